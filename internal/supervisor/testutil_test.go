package supervisor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves time forward and fires every waiter that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	keep := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		keep = append(keep, w)
	}
	c.waiters = keep
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// blockUntilWaiters waits (in real time) until n timers are pending.
func (c *fakeClock) blockUntilWaiters(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clock waiters (have %d)", n, c.pending())
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeProc is an osProcess that records signals.
type fakeProc struct {
	mu           sync.Mutex
	h            *ProcessHandle
	signals      []os.Signal
	kills        int
	exitOnSignal bool
	exitOnKill   bool
}

func newFakeHandle(pid int, exitOnSignal, exitOnKill bool) (*ProcessHandle, *fakeProc) {
	p := &fakeProc{exitOnSignal: exitOnSignal, exitOnKill: exitOnKill}
	h := newProcessHandle(pid, p)
	p.h = h
	return h, p
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exit := p.exitOnSignal
	p.mu.Unlock()
	if exit {
		go p.h.finish(ExitStatus{Signal: "SIGTERM"})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.kills++
	exit := p.exitOnKill
	p.mu.Unlock()
	if exit {
		go p.h.finish(ExitStatus{Signal: "SIGKILL"})
	}
	return nil
}

func (p *fakeProc) counts() (signals, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals), p.kills
}

// fakeRunner is a ProcessRunner that hands out fake handles.
type fakeRunner struct {
	mu       sync.Mutex
	spawns   [][]string
	handles  []*ProcessHandle
	procs    []*fakeProc
	cur      *ProcessHandle
	spawnErr error
	// onSpawn runs inside Spawn before it returns.
	onSpawn func(n int, h *ProcessHandle)
}

func (r *fakeRunner) Spawn(binary string, args []string) (*ProcessHandle, error) {
	r.mu.Lock()
	if r.spawnErr != nil {
		err := r.spawnErr
		r.mu.Unlock()
		return nil, ErrSpawnFailure(binary, err)
	}
	n := len(r.handles)
	h, p := newFakeHandle(4000+n, true, true)
	r.spawns = append(r.spawns, append([]string{binary}, args...))
	r.handles = append(r.handles, h)
	r.procs = append(r.procs, p)
	r.cur = h
	hook := r.onSpawn
	r.mu.Unlock()
	if hook != nil {
		hook(n, h)
	}
	return h, nil
}

func (r *fakeRunner) Current() *ProcessHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *fakeRunner) IsRunning() bool {
	h := r.Current()
	return h != nil && !h.Exited()
}

func (r *fakeRunner) OnData(stream Stream, fn func(string)) {
	if h := r.Current(); h != nil {
		h.OnData(stream, fn)
	}
}

func (r *fakeRunner) OnError(fn func(error)) {
	if h := r.Current(); h != nil {
		h.OnError(fn)
	}
}

func (r *fakeRunner) OnExit(fn func(ExitStatus)) {
	if h := r.Current(); h != nil {
		h.OnExit(fn)
	}
}

func (r *fakeRunner) Kill(ctx context.Context, sig os.Signal, grace time.Duration) error {
	h := r.Current()
	if h == nil || h.Exited() {
		return nil
	}
	_ = h.Signal(sig)
	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		_ = h.ForceKill()
	}
	return nil
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawns)
}

func (r *fakeRunner) spawnArgs(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spawns[i]...)
}

func (r *fakeRunner) proc(i int) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

// fakeHealth is a HealthProbe with scripted answers.
type fakeHealth struct {
	mu    sync.Mutex
	check func(url string) bool
	wait  func(ctx context.Context, n int, url string) error
	waits int
}

func (f *fakeHealth) Check(_ context.Context, url string) bool {
	f.mu.Lock()
	fn := f.check
	f.mu.Unlock()
	return fn != nil && fn(url)
}

func (f *fakeHealth) WaitForReady(ctx context.Context, url string, _ time.Duration) error {
	f.mu.Lock()
	n := f.waits
	f.waits++
	fn := f.wait
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, n, url)
}

// fakeModels returns a fixed list and counts calls.
type fakeModels struct {
	mu     sync.Mutex
	models []ModelDescriptor
	calls  int
	urls   []string
}

func (f *fakeModels) Load(_ context.Context, url string) []ModelDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.urls = append(f.urls, url)
	return append([]ModelDescriptor(nil), f.models...)
}

func (f *fakeModels) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeReclaimer records swept ports.
type fakeReclaimer struct {
	mu     sync.Mutex
	ports  []int
	killOn map[int]bool
}

func (f *fakeReclaimer) KillLlamaOnPort(_ context.Context, port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = append(f.ports, port)
	return f.killOn[port]
}

func (f *fakeReclaimer) FindStrayServers(context.Context, string) ([]StrayProcess, error) {
	return nil, nil
}

func (f *fakeReclaimer) KillStrayServers(context.Context, string) int { return 0 }

func (f *fakeReclaimer) sweptPorts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...)
}

// statusRecorder collects status changes, collapsing repeats.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) observe(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n > 0 && r.statuses[n-1] == st.Status {
		return
	}
	r.statuses = append(r.statuses, st.Status)
}

func (r *statusRecorder) get() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
