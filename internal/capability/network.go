package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultNetworkTimeout = 30 * time.Second
	maxNetworkBody        = 4 << 20
)

// NetworkResponse is what network service calls return to a script.
type NetworkResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// Network lets scripts issue outbound HTTP requests:
// getService('network').get(url, headers?) and post/put/patch/delete(url, body, headers?).
type Network struct {
	client *http.Client
}

// NewNetwork returns a network service using client, or a default client
// with a 30s timeout when client is nil.
func NewNetwork(client *http.Client) *Network {
	if client == nil {
		client = &http.Client{Timeout: defaultNetworkTimeout}
	}
	return &Network{client: client}
}

var networkMethods = map[string]string{
	"get":    http.MethodGet,
	"head":   http.MethodHead,
	"delete": http.MethodDelete,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
}

func (n *Network) Call(ctx context.Context, method string, _ *Scope, args []json.RawMessage) (any, error) {
	httpMethod, ok := networkMethods[method]
	if !ok {
		return nil, fmt.Errorf("network: unsupported method %q", method)
	}
	url, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	headerIdx := 1
	var body io.Reader
	if httpMethod == http.MethodPost || httpMethod == http.MethodPut || httpMethod == http.MethodPatch {
		headerIdx = 2
		if len(args) > 1 {
			body = bytes.NewReader(requestBody(args[1]))
		}
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, url, body)
	if err != nil {
		return nil, fmt.Errorf("network: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headerIdx < len(args) {
		var headers map[string]string
		if err := json.Unmarshal(args[headerIdx], &headers); err != nil {
			return nil, fmt.Errorf("network: headers must be an object: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: %s %s: %w", httpMethod, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxNetworkBody))
	if err != nil {
		return nil, fmt.Errorf("network: read body: %w", err)
	}

	out := NetworkResponse{StatusCode: resp.StatusCode, Headers: make(map[string]string, len(resp.Header))}
	for k := range resp.Header {
		out.Headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	if json.Valid(data) && len(data) > 0 {
		out.Body = data
	} else {
		out.Body, _ = json.Marshal(string(data))
	}
	return out, nil
}

// requestBody passes strings through unquoted and objects as JSON.
func requestBody(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}
