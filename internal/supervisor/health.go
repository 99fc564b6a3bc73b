package supervisor

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

const defaultProbeTimeout = 2 * time.Second

// HealthChecker probes GET /health on a llama-server.
type HealthChecker struct {
	client       *http.Client
	interval     time.Duration
	probeTimeout time.Duration
	clock        Clock
}

// NewHealthChecker constructs a HealthChecker polling every interval.
// Nil client and clock use http.DefaultClient and wall time.
func NewHealthChecker(client *http.Client, interval time.Duration, clock Clock) *HealthChecker {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = defaultHealthPoll
	}
	if clock == nil {
		clock = RealClock()
	}
	return &HealthChecker{client: client, interval: interval, probeTimeout: defaultProbeTimeout, clock: clock}
}

// Check performs one probe. It is true only for a 2xx response whose body is
// a JSON object with status "ok" (or no status member).
func (h *HealthChecker) Check(ctx context.Context, baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false
	}
	if b = bytes.TrimSpace(b); len(b) == 0 || b[0] != '{' {
		return false
	}
	var body struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return false
	}
	return body.Status == nil || strings.EqualFold(*body.Status, "ok")
}

// WaitForReady polls Check until it succeeds, timeout elapses or ctx is done.
func (h *HealthChecker) WaitForReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := h.clock.Now().Add(timeout)
	for {
		if h.Check(ctx, baseURL) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("wait for ready: %w", err)
		}
		if !h.clock.Now().Before(deadline) {
			return ErrHealthCheckTimeout(baseURL, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for ready: %w", ctx.Err())
		case <-h.clock.After(h.interval):
		}
	}
}
