package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llamad/internal/registry"
	"llamad/pkg/types"
)

// ModelLoader enumerates the models served by llama-server. When the server
// cannot be queried it falls back to scanning the models directory.
type ModelLoader struct {
	client  *http.Client
	timeout time.Duration
	dir     string
	scan    func(dir string) ([]types.Model, error)
	log     zerolog.Logger
}

// NewModelLoader constructs a ModelLoader. fallbackDir may be empty to
// disable the filesystem fallback.
func NewModelLoader(client *http.Client, timeout time.Duration, fallbackDir string, log zerolog.Logger) *ModelLoader {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultModelsTimeout
	}
	return &ModelLoader{client: client, timeout: timeout, dir: fallbackDir, scan: registry.LoadDir, log: log}
}

// Load returns the server's models. It never fails. When the server answered
// with a non-2xx status or an unreadable body the list is empty; only when no
// answer was obtained at all is the models directory scanned instead.
func (l *ModelLoader) Load(ctx context.Context, baseURL string) []ModelDescriptor {
	models, err := l.fetch(ctx, baseURL)
	if err == nil {
		return models
	}
	l.log.Warn().Err(err).Str("url", baseURL).Msg("list models failed")
	if l.dir == "" || !IsAPIUnavailable(err) {
		return []ModelDescriptor{}
	}
	entries, err := l.scan(l.dir)
	if err != nil {
		l.log.Warn().Err(err).Str("dir", l.dir).Msg("scan models dir failed")
		return []ModelDescriptor{}
	}
	out := make([]ModelDescriptor, 0, len(entries))
	for _, m := range entries {
		out = append(out, ModelDescriptor{
			ID:         m.ID,
			Name:       m.Name,
			SizeBytes:  m.SizeBytes,
			Format:     m.Format,
			Path:       m.Path,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return out
}

func (l *ModelLoader) fetch(ctx context.Context, baseURL string) ([]ModelDescriptor, error) {
	if baseURL == "" {
		return nil, ErrAPIUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, apiUnavailableError{err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiRequestError{method: http.MethodGet, path: "/models", status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	return parseModels(b)
}

type wireModel struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Model  string          `json:"model"`
	Size   int64           `json:"size"`
	Path   string          `json:"path"`
	Format string          `json:"format"`
	Status json.RawMessage `json:"status"`
}

// parseModels accepts a bare array, {"data": [...]} or {"models": [...]}.
func parseModels(b []byte) ([]ModelDescriptor, error) {
	b = bytes.TrimSpace(b)
	var items []wireModel
	switch {
	case len(b) > 0 && b[0] == '[':
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("decode models: %w", err)
		}
	case len(b) > 0 && b[0] == '{':
		var env struct {
			Data   []wireModel `json:"data"`
			Models []wireModel `json:"models"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("decode models: %w", err)
		}
		items = env.Data
		if items == nil {
			items = env.Models
		}
	default:
		return nil, fmt.Errorf("decode models: unexpected body")
	}
	out := make([]ModelDescriptor, 0, len(items))
	for _, it := range items {
		id := firstNonEmpty(it.ID, it.Name, it.Model)
		if id == "" {
			continue
		}
		format := it.Format
		if format == "" {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(id)), ".")
		}
		out = append(out, ModelDescriptor{
			ID:        id,
			Name:      id,
			SizeBytes: it.Size,
			Format:    format,
			Path:      it.Path,
			Status:    routerStatus(it.Status),
		})
	}
	return out, nil
}

// routerStatus reads a status that is either a string or {"value": "..."}.
func routerStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Value string `json:"value"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Value
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
