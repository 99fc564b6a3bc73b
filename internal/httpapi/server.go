package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llamad/internal/registry"
	"llamad/internal/supervisor"
	"llamad/pkg/types"
)

// Supervisor defines the methods required by the HTTP API layer.
type Supervisor interface {
	State() supervisor.State
	Ready() bool
	BaseURL() string
	PID() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) supervisor.StopResult
	LoadModel(ctx context.Context, name string) supervisor.OpResult
	UnloadModel(ctx context.Context, name string) supervisor.OpResult
}

// Server is the HTTP control API over one supervisor.
type Server struct {
	svc  Supervisor
	opts Options
	log  zerolog.Logger
	mux  chi.Router
	bg   sync.WaitGroup
	now  func() time.Time
}

// NewMux builds the router for svc.
func NewMux(svc Supervisor, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		svc:  svc,
		opts: opts,
		log:  opts.Log.With().Str("component", "httpapi").Logger(),
		now:  time.Now,
	}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log, parseLevel(opts.RequestLog)))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if c := opts.corsMiddleware(); c != nil {
		r.Use(c)
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", s.handleStatus)
	r.Get("/models", s.handleModels)
	r.Get("/models/files", s.handleModelFiles)
	r.Post("/models/load", s.handleModelOp(Supervisor.LoadModel))
	r.Post("/models/unload", s.handleModelOp(Supervisor.UnloadModel))
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(string(svc.State().Status)))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Wait blocks until starts launched by POST /start have returned.
func (s *Server) Wait() { s.bg.Wait() }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: descriptors(s.svc.State().Models)})
}

func (s *Server) handleModelFiles(w http.ResponseWriter, r *http.Request) {
	if s.opts.ModelsDir == "" {
		writeJSONError(w, http.StatusNotFound, "no models directory configured")
		return
	}
	files, err := registry.LoadDir(s.opts.ModelsDir)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.FilesResponse{Dir: s.opts.ModelsDir, Files: files})
}

// handleStart launches a start in the background and answers 202, or 200
// when the server is already ready.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	switch s.svc.State().Status {
	case supervisor.StatusReady:
		writeJSON(w, http.StatusOK, s.statusResponse())
		return
	case supervisor.StatusStarting, supervisor.StatusStopping:
		writeJSONError(w, http.StatusConflict, supervisor.ErrBusy.Error())
		return
	}
	rid := middleware.GetReqID(r.Context())
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.svc.Start(s.opts.BaseContext); err != nil {
			s.log.Warn().Err(err).Str("request_id", rid).Msg("start failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, s.statusResponse())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()
	res := s.svc.Stop(ctx)
	writeJSON(w, http.StatusOK, types.StopResponse{Success: res.Success})
}

func (s *Server) handleModelOp(op func(Supervisor, context.Context, string) supervisor.OpResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		var req types.ModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}

		ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
		defer cancel()
		running := s.svc.BaseURL() != ""
		res := op(s.svc, ctx, req.Model)
		if !res.Success {
			writeJSONError(w, opStatus(res, running), res.Error)
			return
		}
		out := types.OpResponse{Success: true}
		if len(res.Result) > 0 {
			out.Result = res.Result
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) statusResponse() types.StatusResponse {
	st := s.svc.State()
	now := s.now()
	out := types.StatusResponse{
		Status:         string(st.Status),
		Models:         descriptors(st.Models),
		LastError:      st.LastError,
		Retries:        st.Retries,
		UptimeSeconds:  int64(st.Uptime(now).Seconds()),
		URL:            s.svc.BaseURL(),
		PID:            s.svc.PID(),
		ServerTimeUnix: now.Unix(),
	}
	if st.StartedAt != nil {
		out.StartedAtUnixMs = st.StartedAt.UnixMilli()
	}
	return out
}

func descriptors(models []supervisor.ModelDescriptor) []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(models))
	for _, m := range models {
		out = append(out, types.ModelDescriptor{
			ID:         m.ID,
			Name:       m.Name,
			SizeBytes:  m.SizeBytes,
			Format:     m.Format,
			Path:       m.Path,
			ModifiedAt: m.ModifiedAt,
			Status:     m.Status,
		})
	}
	return out
}
