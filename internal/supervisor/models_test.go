package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func serveModels(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestModelLoader_ResponseShapes(t *testing.T) {
	cases := map[string]string{
		"array":  `[{"id":"a.gguf","size":10},{"name":"b.bin"}]`,
		"data":   `{"object":"list","data":[{"id":"a.gguf","size":10},{"name":"b.bin"}]}`,
		"models": `{"models":[{"id":"a.gguf","size":10},{"name":"b.bin"}]}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			srv := serveModels(t, http.StatusOK, body)
			l := NewModelLoader(srv.Client(), time.Second, "", zerolog.Nop())
			got := l.Load(context.Background(), srv.URL)
			if len(got) != 2 {
				t.Fatalf("got %+v", got)
			}
			if got[0].ID != "a.gguf" || got[0].Name != "a.gguf" || got[0].SizeBytes != 10 || got[0].Format != "gguf" {
				t.Fatalf("unexpected first model %+v", got[0])
			}
			if got[1].ID != "b.bin" || got[1].Name != "b.bin" || got[1].Format != "bin" {
				t.Fatalf("id must fall back to name: %+v", got[1])
			}
		})
	}
}

func TestModelLoader_RouterStatus(t *testing.T) {
	srv := serveModels(t, http.StatusOK, `{"data":[{"id":"a","status":{"value":"loaded"}},{"id":"b","status":"unloaded"},{"object":"model"}]}`)
	l := NewModelLoader(srv.Client(), time.Second, "", zerolog.Nop())
	got := l.Load(context.Background(), srv.URL)
	if len(got) != 2 || got[0].Status != "loaded" || got[1].Status != "unloaded" {
		t.Fatalf("unexpected models %+v", got)
	}
}

func TestModelLoader_FailureIsEmpty(t *testing.T) {
	for name, body := range map[string]string{"bad json": `{"data":`, "text": `nope`} {
		body := body
		t.Run(name, func(t *testing.T) {
			srv := serveModels(t, http.StatusOK, body)
			l := NewModelLoader(srv.Client(), time.Second, "", zerolog.Nop())
			got := l.Load(context.Background(), srv.URL)
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil list, got %#v", got)
			}
		})
	}
	l := NewModelLoader(nil, time.Second, "", zerolog.Nop())
	if got := l.Load(context.Background(), ""); got == nil || len(got) != 0 {
		t.Fatalf("expected empty list without url, got %#v", got)
	}
}

func writeGGUF(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("GGUF\x03\x00\x00\x00"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestModelLoader_FallsBackToDirectoryWhenUnreachable(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "tiny.Q4_K_M.gguf"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	l := NewModelLoader(nil, time.Second, dir, zerolog.Nop())
	got := l.Load(context.Background(), url)
	if len(got) != 1 {
		t.Fatalf("expected one model from dir, got %+v", got)
	}
	m := got[0]
	if m.ID != "tiny.Q4_K_M.gguf" || m.Name != "tiny.Q4_K_M" || m.SizeBytes != 8 || m.Format != "gguf" || m.ModifiedAt == 0 {
		t.Fatalf("unexpected fallback model %+v", m)
	}
	if got := l.Load(context.Background(), ""); len(got) != 1 {
		t.Fatalf("no url should also scan the dir, got %+v", got)
	}
}

func TestModelLoader_ErrorAnswerDoesNotFallBack(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "tiny.Q4_K_M.gguf"))
	for name, tc := range map[string]struct {
		status int
		body   string
	}{
		"server error": {http.StatusInternalServerError, `{"error":"boom"}`},
		"not found":    {http.StatusNotFound, `not found`},
		"bad body":     {http.StatusOK, `{"data":`},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			srv := serveModels(t, tc.status, tc.body)
			l := NewModelLoader(srv.Client(), time.Second, dir, zerolog.Nop())
			if got := l.Load(context.Background(), srv.URL); got == nil || len(got) != 0 {
				t.Fatalf("expected empty list, got %+v", got)
			}
		})
	}
}
