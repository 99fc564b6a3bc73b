package supervisor

import (
	"encoding/json"
	"strconv"
	"time"
)

// Status is the lifecycle status of the supervised server.
type Status string

const (
	StatusInitial  Status = "initial"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusCrashed  Status = "crashed"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInitial, StatusStarting, StatusReady, StatusCrashed,
	StatusStopping, StatusStopped, StatusError,
}

// ModelDescriptor describes one model exposed by the supervised server.
type ModelDescriptor struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	Format     string `json:"format,omitempty"`
	Path       string `json:"path,omitempty"`
	ModifiedAt int64  `json:"modified_at,omitempty"`
	// Router status reported by llama-server, e.g. "loaded" or "unloaded".
	Status string `json:"status,omitempty"`
}

// State is a point-in-time copy of the supervisor state.
type State struct {
	Status    Status
	Models    []ModelDescriptor
	LastError string
	Retries   int
	StartedAt *time.Time
}

// Uptime returns how long the server has been ready, measured at now.
func (s State) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

func (s State) clone() State {
	out := s
	if s.Models != nil {
		out.Models = make([]ModelDescriptor, len(s.Models))
		copy(out.Models, s.Models)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	return out
}

// Stream identifies one of the captured output streams of the child process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ExitStatus describes how a process terminated. Either field may be unset.
type ExitStatus struct {
	Code   *int
	Signal string
}

func (e ExitStatus) String() string {
	switch {
	case e.Code != nil && e.Signal != "":
		return "code " + strconv.Itoa(*e.Code) + ", signal " + e.Signal
	case e.Code != nil:
		return "code " + strconv.Itoa(*e.Code)
	case e.Signal != "":
		return "signal " + e.Signal
	default:
		return "unknown status"
	}
}

// OpResult is the structured outcome of a control-plane operation.
type OpResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StopResult is returned by stop operations; Success is always true.
type StopResult struct {
	Success bool `json:"success"`
}
