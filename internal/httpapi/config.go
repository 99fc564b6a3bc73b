package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Options configures the HTTP control API. The zero value is usable.
type Options struct {
	Log *zerolog.Logger
	// RequestLog is the default per-request log level: off, error, info or
	// debug. Requests may override it with ?log= or X-Log-Level.
	RequestLog string
	// MaxBodyBytes limits JSON request bodies; non-positive means 1 MiB.
	MaxBodyBytes int64
	// BaseContext is cancelled on shutdown. Background starts and model
	// operations derive from it.
	BaseContext context.Context
	// ModelsDir is scanned by GET /models/files.
	ModelsDir string

	// CORS is enabled only when CORSOrigins is non-empty.
	CORSOrigins []string
	CORSMethods []string
	CORSHeaders []string
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		l := zerolog.Nop()
		o.Log = &l
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.RequestLog == "" {
		o.RequestLog = "info"
	}
	return o
}

// corsMiddleware returns nil when CORS is not configured.
func (o Options) corsMiddleware() func(http.Handler) http.Handler {
	if len(o.CORSOrigins) == 0 {
		return nil
	}
	methods := o.CORSMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := o.CORSHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: o.CORSOrigins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}
