// Package ticksource advances the device twin's epoch once per second from a
// self re-arming alarm, the host equivalent of an RTC counter alarm ISR.
package ticksource

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"watchtwin/internal/devicetwin"
)

// DefaultInterval is the alarm period.
const DefaultInterval = time.Second

// ErrAlreadyStarted is returned by Start on a source that was started before.
var ErrAlreadyStarted = errors.New("tick source already started")

// State is the alarm lifecycle.
type State uint32

const (
	StateIdle State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures a Source.
type Option func(*Source)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Source) {
		s.clock = c
	}
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Source) {
		s.interval = d
	}
}

// WithOnTick registers a hook called after every increment with the new epoch.
// It runs on the alarm goroutine and must not block.
func WithOnTick(fn func(epoch uint32)) Option {
	return func(s *Source) {
		s.onTick = fn
	}
}

// Source is the periodic tick writer of the device twin.
type Source struct {
	twin     *devicetwin.State
	clock    clockwork.Clock
	interval time.Duration
	onTick   func(uint32)
	logger   *slog.Logger

	state atomic.Uint32
	done  chan struct{}

	// timerMu orders Start's assignment of timer against the first firing.
	timerMu sync.Mutex
	timer   clockwork.Timer
}

// New creates a tick source for twin. It does nothing until Start.
func New(twin *devicetwin.State, logger *slog.Logger, opts ...Option) *Source {
	s := &Source{
		twin:     twin,
		interval: DefaultInterval,
		logger:   logger.With("component", "ticksource"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// Start arms the first alarm.
func (s *Source) Start() error {
	if !s.state.CompareAndSwap(uint32(StateIdle), uint32(StateRunning)) {
		return ErrAlreadyStarted
	}
	s.timerMu.Lock()
	s.timer = s.clock.AfterFunc(s.interval, s.fire)
	s.timerMu.Unlock()
	s.logger.Info("tick source started", "interval", s.interval)
	return nil
}

// Stop requests that the alarm is not re-armed. An alarm that is already
// scheduled still fires once; Done is closed after it has.
// Stopping a source that was never started moves it straight to stopped.
func (s *Source) Stop() {
	for {
		switch State(s.state.Load()) {
		case StateIdle:
			if s.state.CompareAndSwap(uint32(StateIdle), uint32(StateStopped)) {
				close(s.done)
				return
			}
		case StateRunning:
			s.timerMu.Lock()
			ok := s.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopRequested))
			s.timerMu.Unlock()
			if ok {
				s.logger.Info("tick source stop requested")
				return
			}
		default:
			return
		}
	}
}

// Done is closed once the source reaches StateStopped.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// fire is the alarm callback: re-arm unless a stop was requested, then count
// the second. The state check and the re-arm happen under timerMu, which
// Stop also holds, so at most one alarm fires after a stop request.
func (s *Source) fire() {
	s.timerMu.Lock()
	state := State(s.state.Load())
	if state == StateRunning {
		s.timer.Reset(s.interval)
	}
	s.timerMu.Unlock()

	switch state {
	case StateRunning:
	case StateStopRequested:
		if s.state.CompareAndSwap(uint32(StateStopRequested), uint32(StateStopped)) {
			defer close(s.done)
			defer s.logger.Info("tick source stopped")
		}
	default:
		return
	}

	epoch := s.twin.Tick()
	if s.onTick != nil {
		s.onTick(epoch)
	}
}
