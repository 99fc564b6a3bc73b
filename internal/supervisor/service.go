package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

var errBinaryNotFound = errors.New("llama-server binary not found")

// Dependencies lets callers replace collaborators. Nil fields get the
// production implementation.
type Dependencies struct {
	Log        *zerolog.Logger
	Clock      Clock
	HTTPClient *http.Client
	Process    ProcessRunner
	Health     HealthProbe
	Models     ModelSource
	API        ControlPlane
	State      StateStore
	Retry      RetryStrategy
	Reclaimer  PortReclaimer
	Publisher  EventPublisher
	PortInUse  func(ctx context.Context, host string, port int) bool
	FindBinary func() string
}

// generation is one start attempt and the process it spawned, if any.
type generation struct {
	id     uint64
	epoch  uint64
	handle *ProcessHandle
	once   sync.Once
}

// Service supervises a single llama-server: start, readiness, crash
// recovery with bounded retries, model control and shutdown.
type Service struct {
	cfg   ServerConfig
	opts  Options
	log   zerolog.Logger
	clock Clock

	proc       ProcessRunner
	health     HealthProbe
	models     ModelSource
	api        ControlPlane
	state      StateStore
	retry      RetryStrategy
	reclaimer  PortReclaimer
	pub        EventPublisher
	portInUse  func(ctx context.Context, host string, port int) bool
	findBinary func() string

	// lifecycleMu serialises the state decisions of Start, Stop and the
	// crash handler. It is never held across process or network waits.
	lifecycleMu sync.Mutex

	mu          sync.Mutex
	cur         *generation
	nextGen     uint64
	epoch       uint64
	baseURL     string
	startCancel context.CancelFunc
	retryCancel context.CancelFunc
	bg          sync.WaitGroup
}

// NewService wires a Service from cfg, opts and deps.
func NewService(cfg ServerConfig, opts Options, deps Dependencies) *Service {
	cfg = cfg.withDefaults()
	opts = opts.withDefaults()
	log := zerolog.Nop()
	if deps.Log != nil {
		log = *deps.Log
	}
	log = log.With().Str("component", "supervisor").Logger()
	clock := deps.Clock
	if clock == nil {
		clock = RealClock()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	s := &Service{
		cfg:        cfg,
		opts:       opts,
		log:        log,
		clock:      clock,
		proc:       deps.Process,
		health:     deps.Health,
		models:     deps.Models,
		api:        deps.API,
		state:      deps.State,
		retry:      deps.Retry,
		reclaimer:  deps.Reclaimer,
		pub:        deps.Publisher,
		portInUse:  deps.PortInUse,
		findBinary: deps.FindBinary,
	}
	if s.proc == nil {
		s.proc = NewProcessManager(log, clock)
	}
	if s.health == nil {
		s.health = NewHealthChecker(client, opts.HealthInterval, clock)
	}
	if s.models == nil {
		s.models = NewModelLoader(client, opts.ModelsTimeout, cfg.BasePath, log)
	}
	if s.api == nil {
		s.api = NewAPIProxy(client, 0)
	}
	if s.state == nil {
		s.state = NewStateManager(log, clock)
	}
	if s.retry == nil {
		s.retry = NewRetryHandler(opts.Retry, clock)
	}
	if s.reclaimer == nil {
		s.reclaimer = NewReclaimer(log)
	}
	if s.pub == nil {
		s.pub = noopPublisher{}
	}
	if s.portInUse == nil {
		s.portInUse = IsPortInUse
	}
	if s.findBinary == nil {
		s.findBinary = FindLlamaServer
	}
	return s
}

// Config returns the effective server configuration.
func (s *Service) Config() ServerConfig { return s.cfg }

// State returns a snapshot of the supervisor state.
func (s *Service) State() State { return s.state.State() }

// OnStateChange subscribes fn to state changes. Subscribers must not call
// Start or Stop synchronously.
func (s *Service) OnStateChange(fn func(State)) (unsubscribe func()) {
	return s.state.OnStateChange(fn)
}

// Ready reports whether the server is ready.
func (s *Service) Ready() bool { return s.state.State().Status == StatusReady }

// BaseURL returns the URL of the running server, or "" when none is known.
func (s *Service) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// PID returns the pid of the running child process, or 0.
func (s *Service) PID() int {
	if h := s.proc.Current(); h != nil && !h.Exited() {
		return h.PID()
	}
	return 0
}

// Wait blocks until background retry goroutines have finished.
func (s *Service) Wait() { s.bg.Wait() }

// Start launches the server (or adopts one already answering at the
// configured address) and blocks until it is ready or the attempt failed.
// It returns nil when already ready and ErrBusy while another start or stop
// is in progress. A failed attempt goes through the crash path and may be
// retried in the background.
func (s *Service) Start(ctx context.Context) error {
	return s.start(ctx, false, 0)
}

func (s *Service) start(ctx context.Context, fromRetry bool, retryEpoch uint64) error {
	g, ctx, cancel, err := s.beginStart(ctx, fromRetry, retryEpoch)
	if err != nil || g == nil {
		return err
	}
	defer cancel()

	if s.opts.AdoptExisting && s.health.Check(ctx, s.cfg.BaseURL()) {
		url := s.cfg.BaseURL()
		s.log.Info().Str("url", url).Msg("adopting running llama-server")
		s.setBaseURL(url)
		return s.finishStart(ctx, g, url)
	}

	h, url, err := s.spawnServer(ctx, g)
	if err != nil {
		s.log.Error().Err(err).Msg("spawn failed")
		s.handleCrash(g, err)
		return err
	}

	waitCtx, waitCancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-h.Done():
			waitCancel()
		case <-waitCtx.Done():
		}
	}()
	err = s.health.WaitForReady(waitCtx, url, s.opts.HealthTimeout)
	waitCancel()
	if err != nil {
		switch {
		case h.Exited():
			// the exit handler owns the crash
		case s.isStale(g):
			s.killOrphan(h)
		default:
			s.log.Error().Err(err).Str("url", url).Msg("llama-server did not become healthy")
			s.handleCrash(g, err)
		}
		return err
	}
	return s.finishStart(ctx, g, url)
}

// beginStart moves to starting and opens a new generation. A nil generation
// with a nil error means there is nothing to do.
func (s *Service) beginStart(ctx context.Context, fromRetry bool, retryEpoch uint64) (*generation, context.Context, context.CancelFunc, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	stale := fromRetry && retryEpoch != s.epoch
	s.mu.Unlock()
	if stale || (fromRetry && ctx.Err() != nil) {
		return nil, nil, nil, context.Canceled
	}

	status := s.state.State().Status
	if status == StatusReady {
		return nil, nil, nil, nil
	}
	if err := s.state.Transition(StatusStarting, ""); err != nil {
		s.log.Debug().Str("status", string(status)).Msg("start rejected")
		return nil, nil, nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if !fromRetry && s.retryCancel != nil {
		s.retryCancel()
		s.retryCancel = nil
	}
	s.nextGen++
	g := &generation{id: s.nextGen, epoch: s.epoch}
	s.cur = g
	s.startCancel = cancel
	s.mu.Unlock()
	return g, ctx, cancel, nil
}

func (s *Service) spawnServer(ctx context.Context, g *generation) (*ProcessHandle, string, error) {
	binary := s.cfg.BinaryPath
	if binary == "" {
		binary = s.findBinary()
	}
	if binary == "" {
		return nil, "", ErrSpawnFailure(BinaryName, errBinaryNotFound)
	}
	port, err := FindAvailablePort(ctx, func(p int) bool { return s.portInUse(ctx, s.cfg.Host, p) }, s.cfg.Port, s.opts.PortRange)
	if err != nil {
		return nil, "", fmt.Errorf("choose port: %w", err)
	}
	cfg := s.cfg
	cfg.Port = port
	args := BuildArgs(cfg)

	s.pub.Publish(Event{Name: EventSpawnStart, Fields: map[string]any{"binary": binary, "port": port, "generation": g.id}})
	h, err := s.proc.Spawn(binary, args)
	if err != nil {
		return nil, "", err
	}
	url := cfg.BaseURL()
	s.mu.Lock()
	g.handle = h
	s.baseURL = url
	s.mu.Unlock()
	s.log.Info().Int("pid", h.PID()).Int("port", port).Str("url", url).Msg("llama-server spawned")

	pid := h.PID()
	h.OnData(Stdout, func(line string) {
		s.log.Info().Str("stream", string(Stdout)).Int("pid", pid).Msg(line)
	})
	h.OnData(Stderr, func(line string) {
		s.log.Info().Str("stream", string(Stderr)).Int("pid", pid).Msg(line)
	})
	h.OnError(func(err error) {
		s.log.Error().Err(err).Int("pid", pid).Msg("llama-server process error")
		s.handleCrash(g, ErrSpawnFailure(binary, err))
	})
	h.OnExit(func(st ExitStatus) {
		fields := map[string]any{"pid": pid, "generation": g.id, "status": st.String()}
		s.pub.Publish(Event{Name: EventSpawnExit, Fields: fields})
		if s.isStale(g) {
			s.log.Info().Int("pid", pid).Str("status", st.String()).Msg("llama-server exited")
			return
		}
		s.log.Error().Int("pid", pid).Str("status", st.String()).Msg("llama-server exited unexpectedly")
		s.handleCrash(g, ErrCrashExit(pid, st, h.StderrTail()))
	})
	return h, url, nil
}

// finishStart lists models and publishes ready, unless the generation was
// superseded or stopped meanwhile.
func (s *Service) finishStart(ctx context.Context, g *generation, url string) error {
	models := s.models.Load(ctx, url)

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.isStale(g) {
		return context.Canceled
	}
	s.state.SetModels(models)
	if err := s.state.Transition(StatusReady, ""); err != nil {
		return err
	}
	s.state.StartUptimeTracking()
	s.log.Info().Str("url", url).Int("models", len(models)).Msg("llama-server ready")
	s.pub.Publish(Event{Name: EventSpawnReady, Fields: map[string]any{"url": url, "models": len(models), "generation": g.id}})
	return nil
}

// killOrphan terminates a process spawned by an attempt that was stopped
// while it was starting.
func (s *Service) killOrphan(h *ProcessHandle) {
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		select {
		case <-h.Done():
		case <-s.clock.After(s.opts.KillGrace):
			_ = h.ForceKill()
		}
	}()
}

func (s *Service) isStale(g *generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return g != s.cur || g.epoch != s.epoch
}

func (s *Service) setBaseURL(url string) {
	s.mu.Lock()
	s.baseURL = url
	s.mu.Unlock()
}

// handleCrash runs the crash path for g at most once.
func (s *Service) handleCrash(g *generation, cause error) {
	g.once.Do(func() { s.crash(g, cause) })
}

func (s *Service) crash(g *generation, cause error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.isStale(g) {
		return
	}
	if err := s.state.Transition(StatusCrashed, cause.Error()); err != nil {
		s.log.Debug().Err(err).Msg("crash ignored")
		return
	}
	s.state.SetModels(nil)
	s.state.StopUptimeTracking()
	s.setBaseURL("")

	retries := s.state.State().Retries
	if !s.retry.CanRetry(retries) {
		final := retryExhaustedError{retries: retries, last: cause}
		s.log.Error().Err(cause).Int("retries", retries).Msg("max retries exceeded")
		_ = s.state.Transition(StatusError, final.Error())
		return
	}
	attempt := s.state.IncrementRetries()
	delay := s.retry.BackoffDelay(retries)
	s.log.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("scheduling restart")
	s.pub.Publish(Event{Name: EventRetryScheduled, Fields: map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "generation": g.id}})

	rctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.retryCancel != nil {
		s.retryCancel()
	}
	s.retryCancel = cancel
	epoch := s.epoch
	h := g.handle
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		if h != nil && !h.Exited() {
			// unhealthy but alive: clear it before respawning
			if err := s.proc.Kill(rctx, syscall.SIGTERM, s.opts.KillGrace); err != nil {
				s.log.Warn().Err(err).Int("pid", h.PID()).Msg("kill before retry failed")
			}
		}
		if err := s.retry.WaitForRetry(rctx, retries); err != nil {
			return
		}
		if err := s.start(rctx, true, epoch); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("restart attempt failed")
		}
	}()
}

// Stop shuts the server down: pending starts and retries are cancelled, the
// process gets SIGTERM with escalation after the grace period, and the ports
// [Port, Port+10] are swept unless SkipPortSweep is set. It always reports
// success.
func (s *Service) Stop(ctx context.Context) StopResult {
	s.lifecycleMu.Lock()
	s.mu.Lock()
	s.epoch++
	if s.startCancel != nil {
		s.startCancel()
		s.startCancel = nil
	}
	if s.retryCancel != nil {
		s.retryCancel()
		s.retryCancel = nil
	}
	s.mu.Unlock()
	err := s.state.Transition(StatusStopping, "")
	s.lifecycleMu.Unlock()
	if err != nil {
		// already stopping
		return StopResult{Success: true}
	}
	s.state.StopUptimeTracking()

	h := s.proc.Current()
	if h != nil && h.Exited() {
		h = nil
	}
	fields := map[string]any{"port": s.cfg.Port}
	if h != nil {
		fields["pid"] = h.PID()
	}
	s.pub.Publish(Event{Name: EventSpawnStop, Fields: fields})

	killFn := func(h *ProcessHandle) bool {
		if h == nil {
			return false
		}
		if err := s.proc.Kill(ctx, syscall.SIGTERM, s.opts.KillGrace); err != nil {
			s.log.Warn().Err(err).Msg("kill llama-server failed")
			return false
		}
		return true
	}
	var portKillFn func(ctx context.Context, port int) bool
	if !s.opts.SkipPortSweep {
		portKillFn = func(ctx context.Context, port int) bool {
			if !s.reclaimer.KillLlamaOnPort(ctx, port) {
				return false
			}
			s.pub.Publish(Event{Name: EventPortReclaimed, Fields: map[string]any{"port": port}})
			return true
		}
	}
	res := StopLlamaServer(ctx, h, s.cfg.Port, s.log, killFn, portKillFn)

	s.setBaseURL("")
	s.state.SetModels(nil)
	if err := s.state.Transition(StatusStopped, ""); err != nil {
		s.log.Debug().Err(err).Msg("stopped transition skipped")
	}
	return res
}

// LoadModel asks the running server to load name and refreshes the model
// list on success.
func (s *Service) LoadModel(ctx context.Context, name string) OpResult {
	url := s.BaseURL()
	res := s.api.LoadModel(ctx, url, name)
	if res.Success {
		s.refreshModels(ctx, url)
	}
	return res
}

// UnloadModel asks the running server to unload name and refreshes the
// model list on success.
func (s *Service) UnloadModel(ctx context.Context, name string) OpResult {
	url := s.BaseURL()
	res := s.api.UnloadModel(ctx, url, name)
	if res.Success {
		s.refreshModels(ctx, url)
	}
	return res
}

func (s *Service) refreshModels(ctx context.Context, url string) {
	models := s.models.Load(ctx, url)
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.state.State().Status == StatusReady && s.BaseURL() == url {
		s.state.SetModels(models)
	}
}
