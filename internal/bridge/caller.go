package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

const maxResponseSize = 16 << 20

// CallError is a non-2xx answer from the host.
type CallError struct {
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("host answered %d: %s", e.StatusCode, e.Message)
}

// Caller performs authenticated round trips to the host's callback endpoint.
type Caller struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type callBody struct {
	FunctionName string          `json:"functionName"`
	Args         json.RawMessage `json:"args"`
}

// Call invokes the capability functionName with JSON-encoded args and
// returns the JSON-encoded result. A nil result means undefined.
func (c *Caller) Call(ctx context.Context, functionName string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("[]")
	}
	return c.post(ctx, "call", callBody{FunctionName: functionName, Args: args})
}

// PostResult delivers the script's final result.
func (c *Caller) PostResult(ctx context.Context, p model.ResultPayload) error {
	_, err := c.post(ctx, "result", p)
	return err
}

func (c *Caller) post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return decodeResponse(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
}

// decodeResponse applies the host's content negotiation: a JSON object with
// a result field unwraps to that field, other JSON passes through, and
// anything else is returned as a JSON string.
func decodeResponse(status int, contentType string, raw []byte) (json.RawMessage, error) {
	isJSON := false
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		isJSON = mt == "application/json" || strings.HasSuffix(mt, "+json")
	}

	if status < 200 || status > 299 {
		msg := strings.TrimSpace(string(raw))
		if isJSON {
			var e struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(raw, &e) == nil && e.Error != "" {
				msg = e.Error
			}
		}
		return nil, &CallError{StatusCode: status, Message: msg}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !isJSON || !json.Valid(raw) {
		return json.Marshal(string(raw))
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		if result, ok := obj["result"]; ok {
			return result, nil
		}
	}
	return bytes.TrimSpace(raw), nil
}
