package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBusy is returned by Start while another start or stop is in flight.
var ErrBusy = errors.New("supervisor busy: start or stop already in progress")

// spawnError signals that the server binary could not be located or started.
type spawnError struct {
	binary string
	err    error
}

func (e spawnError) Error() string {
	if e.binary == "" {
		return "spawn llama-server: " + e.err.Error()
	}
	return fmt.Sprintf("spawn %s: %v", e.binary, e.err)
}

func (e spawnError) Unwrap() error { return e.err }

// ErrSpawnFailure constructs a spawn failure for binary.
func ErrSpawnFailure(binary string, err error) error { return spawnError{binary: binary, err: err} }

// IsSpawnFailure reports whether err indicates the process could not be started.
func IsSpawnFailure(err error) bool {
	var e spawnError
	return errors.As(err, &e)
}

// healthTimeoutError signals that the server never reported healthy in time.
type healthTimeoutError struct {
	url     string
	timeout time.Duration
}

func (e healthTimeoutError) Error() string {
	return fmt.Sprintf("llama-server not healthy after %s: %s", e.timeout, e.url)
}

// ErrHealthCheckTimeout constructs a health check timeout error.
func ErrHealthCheckTimeout(url string, timeout time.Duration) error {
	return healthTimeoutError{url: url, timeout: timeout}
}

// IsHealthCheckTimeout reports whether err is a readiness timeout.
func IsHealthCheckTimeout(err error) bool {
	var e healthTimeoutError
	return errors.As(err, &e)
}

// crashExitError describes an unexpected termination of the server process.
type crashExitError struct {
	pid        int
	status     ExitStatus
	stderrTail []string
}

func (e crashExitError) Error() string {
	msg := fmt.Sprintf("llama-server (pid %d) exited unexpectedly: %s", e.pid, e.status)
	if len(e.stderrTail) > 0 {
		msg += "; stderr tail: " + strings.Join(e.stderrTail, " | ")
	}
	return msg
}

// ErrCrashExit constructs a crash error for pid with its exit status.
func ErrCrashExit(pid int, status ExitStatus, stderrTail []string) error {
	return crashExitError{pid: pid, status: status, stderrTail: stderrTail}
}

// IsCrashExit reports whether err is an unexpected process exit.
func IsCrashExit(err error) bool {
	var e crashExitError
	return errors.As(err, &e)
}

// CrashExitStatus extracts the exit status carried by a crash error.
func CrashExitStatus(err error) (ExitStatus, bool) {
	var e crashExitError
	if errors.As(err, &e) {
		return e.status, true
	}
	return ExitStatus{}, false
}

// apiUnavailableError signals a control-plane call with no reachable server.
type apiUnavailableError struct{ err error }

func (e apiUnavailableError) Error() string {
	if e.err == nil {
		return "llama-server not running"
	}
	return "llama-server unreachable: " + e.err.Error()
}

func (e apiUnavailableError) Unwrap() error { return e.err }

// ErrAPIUnavailable is returned when no server base URL is known.
var ErrAPIUnavailable error = apiUnavailableError{}

// IsAPIUnavailable reports whether err indicates that no server is reachable.
func IsAPIUnavailable(err error) bool {
	var e apiUnavailableError
	return errors.As(err, &e)
}

// apiRequestError signals that the server answered a control call with an error.
type apiRequestError struct {
	method string
	path   string
	status int
	body   string
}

func (e apiRequestError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("%s %s failed: %s", e.method, e.path, e.body)
	}
	return fmt.Sprintf("%s %s failed: http %d: %s", e.method, e.path, e.status, e.body)
}

// StatusCode returns the HTTP status reported by the server, if any.
func (e apiRequestError) StatusCode() int { return e.status }

// IsAPIRequestFailure reports whether err is an error answer from the server.
func IsAPIRequestFailure(err error) bool {
	var e apiRequestError
	return errors.As(err, &e)
}

// retryExhaustedError is the terminal error once all restarts are used up.
type retryExhaustedError struct {
	retries int
	last    error
}

func (e retryExhaustedError) Error() string {
	if e.last == nil {
		return fmt.Sprintf("max retries exceeded (%d)", e.retries)
	}
	return fmt.Sprintf("max retries exceeded (%d): %v", e.retries, e.last)
}

func (e retryExhaustedError) Unwrap() error { return e.last }

// IsRetryExhausted reports whether err is the terminal retry error.
func IsRetryExhausted(err error) bool {
	var e retryExhaustedError
	return errors.As(err, &e)
}

// noFreePortError signals that a port scan found nothing usable.
type noFreePortError struct{ start, end int }

func (e noFreePortError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.start, e.end)
}

// IsNoFreePort reports whether err indicates an exhausted port range.
func IsNoFreePort(err error) bool {
	var e noFreePortError
	return errors.As(err, &e)
}

// transitionError is returned when a guarded status transition is not allowed.
type transitionError struct{ from, to Status }

func (e transitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s not allowed", e.from, e.to)
}

// IsTransitionRejected reports whether err is a rejected status transition.
func IsTransitionRejected(err error) bool {
	var e transitionError
	return errors.As(err, &e)
}
