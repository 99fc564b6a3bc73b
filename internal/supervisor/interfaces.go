package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"time"
)

// ProcessRunner owns at most one child process at a time.
type ProcessRunner interface {
	Spawn(binary string, args []string) (*ProcessHandle, error)
	Current() *ProcessHandle
	IsRunning() bool
	OnData(stream Stream, fn func(line string))
	OnError(fn func(error))
	OnExit(fn func(ExitStatus))
	Kill(ctx context.Context, sig os.Signal, grace time.Duration) error
}

// HealthProbe checks the /health endpoint of a server.
type HealthProbe interface {
	Check(ctx context.Context, baseURL string) bool
	WaitForReady(ctx context.Context, baseURL string, timeout time.Duration) error
}

// ModelSource enumerates the models a server exposes.
type ModelSource interface {
	Load(ctx context.Context, baseURL string) []ModelDescriptor
}

// ControlPlane issues control requests against a running server.
type ControlPlane interface {
	Request(ctx context.Context, path, method string, body any, baseURL string) (json.RawMessage, error)
	LoadModel(ctx context.Context, baseURL, name string) OpResult
	UnloadModel(ctx context.Context, baseURL, name string) OpResult
}

// StateStore is the single owner of the supervisor State.
type StateStore interface {
	State() State
	UpdateStatus(status Status, errMsg string)
	Transition(to Status, errMsg string) error
	SetModels(models []ModelDescriptor)
	IncrementRetries() int
	StartUptimeTracking()
	StopUptimeTracking()
	OnStateChange(fn func(State)) (unsubscribe func())
}

// RetryStrategy decides whether and when a crashed server is restarted.
type RetryStrategy interface {
	CanRetry(retries int) bool
	BackoffDelay(retries int) time.Duration
	WaitForRetry(ctx context.Context, retries int) error
}

// PortReclaimer forcibly frees ports and removes stray server processes.
type PortReclaimer interface {
	KillLlamaOnPort(ctx context.Context, port int) bool
	FindStrayServers(ctx context.Context, name string) ([]StrayProcess, error)
	KillStrayServers(ctx context.Context, name string) int
}
