package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPITimeout = 30 * time.Second

// APIProxy issues control-plane requests against llama-server.
type APIProxy struct {
	client  *http.Client
	timeout time.Duration
}

// NewAPIProxy constructs an APIProxy. A nil client uses http.DefaultClient.
func NewAPIProxy(client *http.Client, timeout time.Duration) *APIProxy {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	return &APIProxy{client: client, timeout: timeout}
}

// Request sends body (JSON-encoded when non-nil) to baseURL+path. An empty
// baseURL fails with ErrAPIUnavailable before any I/O; a non-2xx answer fails
// with an API request error.
func (p *APIProxy) Request(ctx context.Context, path, method string, body any, baseURL string) (json.RawMessage, error) {
	if baseURL == "" {
		return nil, ErrAPIUnavailable
	}
	if method == "" {
		method = http.MethodGet
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, apiUnavailableError{err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apiRequestError{method: method, path: path, status: resp.StatusCode, body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiRequestError{method: method, path: path, status: resp.StatusCode, body: errorText(b)}
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		q, _ := json.Marshal(string(b))
		return q, nil
	}
	return json.RawMessage(b), nil
}

// LoadModel asks the server to load model name.
func (p *APIProxy) LoadModel(ctx context.Context, baseURL, name string) OpResult {
	return p.modelOp(ctx, "/models/load", baseURL, name)
}

// UnloadModel asks the server to unload model name.
func (p *APIProxy) UnloadModel(ctx context.Context, baseURL, name string) OpResult {
	return p.modelOp(ctx, "/models/unload", baseURL, name)
}

func (p *APIProxy) modelOp(ctx context.Context, path, baseURL, name string) OpResult {
	if strings.TrimSpace(name) == "" {
		return OpResult{Error: "model name is required"}
	}
	raw, err := p.Request(ctx, path, http.MethodPost, map[string]string{"model": name}, baseURL)
	if err != nil {
		return OpResult{Error: err.Error()}
	}
	if msg, failed := reportedFailure(raw); failed {
		return OpResult{Result: raw, Error: msg}
	}
	return OpResult{Success: true, Result: raw}
}

// reportedFailure inspects a 2xx body for success:false or an error member.
func reportedFailure(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return "", false
	}
	var body struct {
		Success *bool           `json:"success"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return "", false
	}
	hasErr := len(body.Error) > 0 && string(body.Error) != "null"
	if !hasErr && (body.Success == nil || *body.Success) {
		return "", false
	}
	if msg := errorText(body.Error); hasErr && msg != "" {
		return msg, true
	}
	return "request reported failure", true
}

// errorText extracts a message from an error body: a JSON string, an object
// with message/error, or the raw text.
func errorText(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(b, &s) == nil {
		return s
	}
	var obj struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(b, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if len(obj.Error) > 0 && string(obj.Error) != "null" {
			if msg := errorText(obj.Error); msg != "" {
				return msg
			}
		}
	}
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
