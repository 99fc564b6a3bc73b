package types

// ModelDescriptor is a model entry as returned by GET /models and /status.
type ModelDescriptor struct {
	// Model identifier understood by llama-server.
	ID   string `json:"id"`
	Name string `json:"name"`
	// Size on disk when known, in bytes.
	SizeBytes  int64  `json:"size_bytes"`
	Format     string `json:"format,omitempty"`
	Path       string `json:"path,omitempty"`
	ModifiedAt int64  `json:"modified_at,omitempty"`
	// Router status reported by llama-server.
	Status string `json:"status,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelDescriptor `json:"models"`
}

// ModelRequest is the body of POST /models/load and /models/unload.
type ModelRequest struct {
	Model string `json:"model"`
}

// OpResponse is the outcome of a model control operation.
type OpResponse struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StopResponse is returned by POST /stop. Success is always true.
type StopResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	Error string `json:"error"`
	// HTTP status code.
	Code int `json:"code"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Lifecycle status: initial, starting, ready, crashed, stopping, stopped or error.
	Status string            `json:"status"`
	Models []ModelDescriptor `json:"models"`
	// Last error recorded by the supervisor, kept until the server is ready again.
	LastError string `json:"last_error,omitempty"`
	// Restart attempts since the last ready.
	Retries int `json:"retries"`
	// Unix milliseconds at which the server became ready, when running.
	StartedAtUnixMs int64 `json:"started_at_unix_ms,omitempty"`
	UptimeSeconds   int64 `json:"uptime_seconds"`
	// Control-plane URL of the running server.
	URL string `json:"url,omitempty"`
	// Process ID of the supervised server when it was spawned by this daemon.
	PID int `json:"pid,omitempty"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// FilesResponse lists the model files found in the models directory.
type FilesResponse struct {
	Dir   string  `json:"dir"`
	Files []Model `json:"files"`
}
