// Package ipc implements the framed message channel between the host and a
// script runner process. Frames are a 4-byte big-endian length prefix
// followed by a JSON payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Host→runner message types.
const (
	MsgPause       = "pause-execution"
	MsgResume      = "resume-execution"
	MsgHTTPRequest = "http-request"
)

// Runner→host message types.
const (
	MsgOpenHTTPServer = "open-http-server"
	MsgHTTPResponse   = "http-request-response"
)

// Message is the envelope for every frame in either direction.
type Message struct {
	Type     string              `json:"type"`
	ID       string              `json:"id,omitempty"`
	Request  *model.HTTPRequest  `json:"request,omitempty"`
	Response *model.HTTPResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Single write so concurrent writers guarded by a mutex never interleave
	// a prefix with another payload.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
