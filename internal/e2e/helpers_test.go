package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"llamad/internal/httpapi"
	"llamad/internal/supervisor"
	"llamad/pkg/types"
)

// fakeLlama emulates the llama-server router endpoints.
type fakeLlama struct {
	mu     sync.Mutex
	loaded map[string]bool
	order  []string
	srv    *httptest.Server
}

func newFakeLlama(t *testing.T, models ...string) *fakeLlama {
	t.Helper()
	f := &fakeLlama{loaded: map[string]bool{}, order: models}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		type item struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		var data []item
		for _, id := range f.order {
			st := "unloaded"
			if f.loaded[id] {
				st = "loaded"
			}
			data = append(data, item{ID: id, Status: st})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	op := func(load bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Model string `json:"model"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.loaded[req.Model]; !ok && !contains(f.order, req.Model) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":{"message":"model not found"}}`))
				return
			}
			f.loaded[req.Model] = load
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	}
	mux.HandleFunc("/models/load", op(true))
	mux.HandleFunc("/models/unload", op(false))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLlama) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(f.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	return dir
}

// newStack wires a real supervisor that adopts the fake server behind the
// HTTP API.
func newStack(t *testing.T, f *fakeLlama, modelsDir string) (*httptest.Server, *supervisor.Service) {
	t.Helper()
	host, port := f.hostPort(t)
	opts := supervisor.DefaultOptions()
	opts.AdoptExisting = true
	opts.SkipPortSweep = true
	opts.HealthInterval = 10 * time.Millisecond
	svc := supervisor.NewService(supervisor.ServerConfig{
		Host:     host,
		Port:     port,
		BasePath: modelsDir,
	}, opts, supervisor.Dependencies{})
	api := httpapi.NewMux(svc, httpapi.Options{ModelsDir: modelsDir})
	srv := httptest.NewServer(api)
	t.Cleanup(func() {
		srv.Close()
		api.Wait()
		svc.Stop(context.Background())
		svc.Wait()
	})
	return srv, svc
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func getStatus(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, body := httpDo(t, http.MethodGet, base+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v body=%s", err, body)
	}
	return st
}

func waitStatus(t *testing.T, base, want string) types.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := getStatus(t, base)
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status %q never reached, last %+v", want, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
