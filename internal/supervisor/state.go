package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Guarded transitions, one event per destination status.
var transitionEvents = map[Status]fsm.EventDesc{
	StatusStarting: {Name: "start", Src: []string{string(StatusInitial), string(StatusCrashed), string(StatusStopped), string(StatusError)}, Dst: string(StatusStarting)},
	StatusReady:    {Name: "ready", Src: []string{string(StatusStarting)}, Dst: string(StatusReady)},
	StatusCrashed:  {Name: "crash", Src: []string{string(StatusStarting), string(StatusReady)}, Dst: string(StatusCrashed)},
	StatusError:    {Name: "fail", Src: []string{string(StatusStarting), string(StatusCrashed)}, Dst: string(StatusError)},
	StatusStopping: {Name: "stop", Src: []string{string(StatusInitial), string(StatusStarting), string(StatusReady), string(StatusCrashed), string(StatusStopped), string(StatusError)}, Dst: string(StatusStopping)},
	StatusStopped:  {Name: "stopped", Src: []string{string(StatusStopping)}, Dst: string(StatusStopped)},
}

type subscriber struct {
	id int
	fn func(State)
}

// StateManager owns the supervisor State. Every mutation notifies the
// subscribers with a snapshot; snapshots are delivered in mutation order.
type StateManager struct {
	log   zerolog.Logger
	clock Clock

	mu      sync.Mutex
	state   State
	machine *fsm.FSM
	nextID  int
	subs    []subscriber

	qmu      sync.Mutex
	queue    []State
	draining bool
}

// NewStateManager returns a StateManager in the initial status.
func NewStateManager(log zerolog.Logger, clock Clock) *StateManager {
	if clock == nil {
		clock = RealClock()
	}
	events := make(fsm.Events, 0, len(transitionEvents))
	for _, st := range AllStatuses {
		if ev, ok := transitionEvents[st]; ok {
			events = append(events, ev)
		}
	}
	return &StateManager{
		log:     log,
		clock:   clock,
		state:   State{Status: StatusInitial, Models: []ModelDescriptor{}},
		machine: fsm.NewFSM(string(StatusInitial), events, fsm.Callbacks{}),
	}
}

// State returns a snapshot of the current state.
func (s *StateManager) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// UpdateStatus sets status unconditionally. A non-empty errMsg replaces LastError.
func (s *StateManager) UpdateStatus(status Status, errMsg string) {
	s.mutate(func() bool {
		s.machine.SetState(string(status))
		s.applyStatus(status, errMsg)
		return true
	})
}

// Transition moves to status only if the lifecycle graph allows it from the
// current status.
func (s *StateManager) Transition(to Status, errMsg string) error {
	var terr error
	s.mutate(func() bool {
		from := Status(s.machine.Current())
		ev, ok := transitionEvents[to]
		if !ok || !s.machine.Can(ev.Name) {
			terr = transitionError{from: from, to: to}
			return false
		}
		if err := s.machine.Event(context.Background(), ev.Name); err != nil {
			var noop fsm.NoTransitionError
			if !errors.As(err, &noop) {
				terr = transitionError{from: from, to: to}
				return false
			}
		}
		s.applyStatus(to, errMsg)
		return true
	})
	return terr
}

// SetModels replaces the model list.
func (s *StateManager) SetModels(models []ModelDescriptor) {
	cp := make([]ModelDescriptor, len(models))
	copy(cp, models)
	s.mutate(func() bool {
		s.state.Models = cp
		return true
	})
}

// IncrementRetries bumps the retry counter and returns the new value.
func (s *StateManager) IncrementRetries() int {
	var n int
	s.mutate(func() bool {
		s.state.Retries++
		n = s.state.Retries
		return true
	})
	return n
}

func (s *StateManager) StartUptimeTracking() {
	now := s.clock.Now()
	s.mutate(func() bool {
		s.state.StartedAt = &now
		return true
	})
}

func (s *StateManager) StopUptimeTracking() {
	s.mutate(func() bool {
		s.state.StartedAt = nil
		return true
	})
}

// OnStateChange registers fn for every state change. Subscribers run in
// registration order and see changes in the order they were made; a panicking
// subscriber is logged and skipped. Delivery is synchronous with the mutating
// call unless another goroutine is already delivering, in which case that
// goroutine delivers the change, possibly after the mutating call returns.
// The returned func removes the subscription.
func (s *StateManager) OnStateChange(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *StateManager) applyStatus(status Status, errMsg string) {
	s.state.Status = status
	if status == StatusReady {
		s.state.Retries = 0
		s.state.LastError = ""
	}
	if errMsg != "" {
		s.state.LastError = errMsg
	}
}

// mutate runs fn under the lock and, if fn reports a change, queues the resulting snapshot and drains
// the queue unless another goroutine is already draining it.
func (s *StateManager) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	snap := s.state.clone()
	s.qmu.Lock()
	s.queue = append(s.queue, snap)
	s.qmu.Unlock()
	s.mu.Unlock()
	s.drain()
}

func (s *StateManager) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		s.mu.Lock()
		subs := append([]subscriber(nil), s.subs...)
		s.mu.Unlock()
		for _, sub := range subs {
			s.deliver(sub, next.clone())
		}
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

func (s *StateManager) deliver(sub subscriber, st State) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Int("subscriber", sub.id).Msg("state subscriber panicked")
		}
	}()
	sub.fn(st)
}
