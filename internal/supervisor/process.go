package supervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	streamBacklog   = 64
	stderrTailLines = 20
	// drainTimeout bounds how long exit delivery waits for buffered output.
	drainTimeout = 250 * time.Millisecond
)

// osProcess is the OS-level process behind a handle.
type osProcess interface {
	Signal(sig os.Signal) error
	Kill() error
}

// ProcessHandle is an opaque reference to one spawned process. Output, error
// and exit callbacks are registered on it; the exit status is delivered once.
type ProcessHandle struct {
	pid       int
	proc      osProcess
	startedAt time.Time

	done     chan struct{}
	killOnce sync.Once
	// deliverMu keeps backlog replay and live lines in order per handle.
	deliverMu sync.Mutex

	mu      sync.Mutex
	exited  bool
	status  ExitStatus
	dataFns map[Stream][]func(string)
	pending map[Stream][]string
	tail    []string
	errFns  []func(error)
	errs    []error
	exitFns []func(ExitStatus)
}

func newProcessHandle(pid int, proc osProcess) *ProcessHandle {
	return &ProcessHandle{
		pid:       pid,
		proc:      proc,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		dataFns:   make(map[Stream][]func(string)),
		pending:   make(map[Stream][]string),
	}
}

func (h *ProcessHandle) PID() int { return h.pid }

// Done is closed once the process has exited.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

func (h *ProcessHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// ExitStatus returns the exit status and whether the process has exited.
func (h *ProcessHandle) ExitStatus() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exited
}

// Signal delivers sig to the process (and its group where supported).
func (h *ProcessHandle) Signal(sig os.Signal) error {
	if h.Exited() {
		return os.ErrProcessDone
	}
	return h.proc.Signal(sig)
}

// ForceKill sends SIGKILL. Only the first call has an effect.
func (h *ProcessHandle) ForceKill() error {
	var err error
	h.killOnce.Do(func() { err = h.proc.Kill() })
	return err
}

// StderrTail returns the most recent stderr lines.
func (h *ProcessHandle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tail))
	copy(out, h.tail)
	return out
}

// OnData registers fn for trimmed, non-empty lines of stream. Lines that
// arrived before the first registration are replayed to it.
func (h *ProcessHandle) OnData(stream Stream, fn func(line string)) {
	if fn == nil {
		return
	}
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.mu.Lock()
	h.dataFns[stream] = append(h.dataFns[stream], fn)
	backlog := h.pending[stream]
	h.pending[stream] = nil
	h.mu.Unlock()
	for _, l := range backlog {
		fn(l)
	}
}

// OnError registers fn for OS-level errors. Earlier errors are replayed.
func (h *ProcessHandle) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.errFns = append(h.errFns, fn)
	past := append([]error(nil), h.errs...)
	h.mu.Unlock()
	for _, err := range past {
		fn(err)
	}
}

// OnExit registers fn for the exit notification. If the process already
// exited, fn runs immediately.
func (h *ProcessHandle) OnExit(fn func(ExitStatus)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.exited {
		st := h.status
		h.mu.Unlock()
		fn(st)
		return
	}
	h.exitFns = append(h.exitFns, fn)
	h.mu.Unlock()
}

func (h *ProcessHandle) emit(stream Stream, raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.mu.Lock()
	if stream == Stderr {
		h.tail = append(h.tail, line)
		if len(h.tail) > stderrTailLines {
			h.tail = h.tail[len(h.tail)-stderrTailLines:]
		}
	}
	fns := append(([]func(string))(nil), h.dataFns[stream]...)
	if len(fns) == 0 {
		p := append(h.pending[stream], line)
		if len(p) > streamBacklog {
			p = p[len(p)-streamBacklog:]
		}
		h.pending[stream] = p
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(line)
	}
}

func (h *ProcessHandle) fail(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	fns := append(([]func(error))(nil), h.errFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (h *ProcessHandle) finish(status ExitStatus) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.status = status
	fns := h.exitFns
	h.exitFns = nil
	close(h.done)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (h *ProcessHandle) scan(stream Stream, r io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		h.emit(stream, sc.Text())
	}
}

// ProcessManager owns the current child process. Spawning replaces the
// current handle; the previous process is not killed.
type ProcessManager struct {
	log   zerolog.Logger
	clock Clock

	mu  sync.Mutex
	cur *ProcessHandle
}

// NewProcessManager constructs a ProcessManager. A nil clock uses wall time.
func NewProcessManager(log zerolog.Logger, clock Clock) *ProcessManager {
	if clock == nil {
		clock = RealClock()
	}
	return &ProcessManager{log: log, clock: clock}
}

// Spawn starts binary with args and captures stdout and stderr as line streams.
func (pm *ProcessManager) Spawn(binary string, args []string) (*ProcessHandle, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, ErrSpawnFailure("", os.ErrNotExist)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, ErrSpawnFailure(binary, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, ErrSpawnFailure(binary, err)
	}
	cmd := exec.Command(binary, args...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, ErrSpawnFailure(binary, err)
	}
	_ = outW.Close()
	_ = errW.Close()

	h := newProcessHandle(cmd.Process.Pid, execProcess{cmd: cmd})
	var wg sync.WaitGroup
	wg.Add(2)
	go h.scan(Stdout, outR, &wg)
	go h.scan(Stderr, errR, &wg)
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	go func() {
		waitErr := cmd.Wait()
		// Give the scanners a moment so the stderr tail is complete; a
		// grandchild holding the pipes must not delay exit delivery.
		select {
		case <-drained:
		case <-time.After(drainTimeout):
		}
		if waitErr != nil && cmd.ProcessState == nil {
			h.fail(waitErr)
		}
		h.finish(exitStatusOf(cmd.ProcessState))
	}()

	pm.adopt(h)
	pm.log.Info().Str("binary", binary).Int("pid", h.pid).Strs("args", args).Msg("spawned process")
	return h, nil
}

func (pm *ProcessManager) adopt(h *ProcessHandle) {
	pm.mu.Lock()
	pm.cur = h
	pm.mu.Unlock()
}

// Current returns the current handle or nil.
func (pm *ProcessManager) Current() *ProcessHandle {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cur
}

// IsRunning reports whether a handle exists and it has not exited.
func (pm *ProcessManager) IsRunning() bool {
	h := pm.Current()
	return h != nil && !h.Exited()
}

func (pm *ProcessManager) OnData(stream Stream, fn func(line string)) {
	if h := pm.Current(); h != nil {
		h.OnData(stream, fn)
	}
}

func (pm *ProcessManager) OnError(fn func(error)) {
	if h := pm.Current(); h != nil {
		h.OnError(fn)
	}
}

func (pm *ProcessManager) OnExit(fn func(ExitStatus)) {
	if h := pm.Current(); h != nil {
		h.OnExit(fn)
	}
}

// Kill sends sig to the current process and waits up to grace for it to
// exit, then escalates to SIGKILL. Escalation happens at most once per
// process even when Kill is called concurrently. Without a live process it
// returns immediately.
func (pm *ProcessManager) Kill(ctx context.Context, sig os.Signal, grace time.Duration) error {
	h := pm.Current()
	if h == nil || h.Exited() {
		return nil
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if grace <= 0 {
		grace = defaultKillGrace
	}
	if err := h.Signal(sig); err != nil && !h.Exited() {
		pm.log.Warn().Err(err).Int("pid", h.pid).Str("signal", sig.String()).Msg("signal failed")
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-pm.clock.After(grace):
	}
	if h.Exited() {
		return nil
	}
	pm.log.Warn().Int("pid", h.pid).Dur("grace", grace).Msg("process did not exit in time; sending SIGKILL")
	if err := h.ForceKill(); err != nil {
		pm.log.Warn().Err(err).Int("pid", h.pid).Msg("force kill failed")
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-pm.clock.After(grace):
	}
	return nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Signal(sig os.Signal) error { return signalProcess(p.cmd.Process, sig) }
func (p execProcess) Kill() error                { return killProcess(p.cmd.Process) }
