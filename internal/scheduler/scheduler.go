// Package scheduler pushes the device twin's calendar to the display.
//
// Refreshes are coalescing jobs: any number of signals for a kind that is
// already waiting collapse into one execution, and a signal that lands while
// the job runs causes exactly one more run afterwards. Signal never blocks,
// so it is safe to call from the tick alarm and from protocol handlers.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"watchtwin/internal/calendar"
	"watchtwin/internal/devicetwin"
	"watchtwin/internal/display"
)

// Kind selects which part of the face a job refreshes.
type Kind uint8

const (
	KindClock Kind = iota
	KindDate
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindClock:
		return "clock"
	case KindDate:
		return "date"
	default:
		return "unknown"
	}
}

type jobState uint32

const (
	stateIdle jobState = iota
	stateQueued
	stateRunning
	stateRerun
)

// Defaults for Config.
const (
	DefaultRefreshInterval = 10 * time.Second
	DefaultRefreshDelay    = 2 * time.Second
)

// Config controls the periodic clock refresher.
type Config struct {
	RefreshInterval time.Duration
	RefreshDelay    time.Duration
}

// RefreshFunc observes a completed job and the calendar it rendered.
type RefreshFunc func(kind Kind, t calendar.Time)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock used by the periodic refresher.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithOnRefresh registers a hook run by the worker after every job.
func WithOnRefresh(fn RefreshFunc) Option {
	return func(s *Scheduler) {
		s.onRefresh = fn
	}
}

// Scheduler owns one worker goroutine that executes clock and date jobs.
type Scheduler struct {
	twin      *devicetwin.State
	screen    display.Screen
	clock     clockwork.Clock
	cfg       Config
	onRefresh RefreshFunc
	logger    *slog.Logger

	states [numKinds]atomic.Uint32
	// queue holds at most one entry per kind, so sends never block.
	queue chan Kind

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler. Zero durations in cfg take the package defaults.
func New(twin *devicetwin.State, screen display.Screen, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	s := &Scheduler{
		twin:   twin,
		screen: screen,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		queue:  make(chan Kind, numKinds),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// Start queues the initial date refresh and launches the worker and the
// periodic clock refresher. Calls after the first are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.Signal(KindDate)
		s.wg.Add(2)
		go s.worker()
		go s.refresher()
		s.logger.Info("scheduler started",
			"refresh_delay", s.cfg.RefreshDelay, "refresh_interval", s.cfg.RefreshInterval)
	})
}

// Stop halts the refresher and the worker and waits for both. A job that is
// already running finishes; queued jobs are dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// Signal requests a refresh of kind. It never blocks.
func (s *Scheduler) Signal(kind Kind) {
	if kind >= numKinds {
		return
	}
	st := &s.states[kind]
	for {
		switch jobState(st.Load()) {
		case stateIdle:
			if st.CompareAndSwap(uint32(stateIdle), uint32(stateQueued)) {
				s.queue <- kind
				return
			}
		case stateRunning:
			if st.CompareAndSwap(uint32(stateRunning), uint32(stateRerun)) {
				return
			}
		default:
			// Already queued or already marked for another run.
			return
		}
	}
}

// Pending reports whether a job of kind is queued or marked for rerun.
func (s *Scheduler) Pending(kind Kind) bool {
	if kind >= numKinds {
		return false
	}
	st := jobState(s.states[kind].Load())
	return st == stateQueued || st == stateRerun
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case kind := <-s.queue:
			s.run(kind)
		}
	}
}

func (s *Scheduler) run(kind Kind) {
	st := &s.states[kind]
	st.Store(uint32(stateRunning))

	t := s.twin.Snapshot().Local()
	switch kind {
	case KindClock:
		s.refreshClock(t)
	case KindDate:
		s.refreshDate(t)
	}
	if s.onRefresh != nil {
		s.onRefresh(kind, t)
	}

	if !st.CompareAndSwap(uint32(stateRunning), uint32(stateIdle)) {
		// A signal arrived while running.
		st.Store(uint32(stateQueued))
		s.queue <- kind
	}
}

func (s *Scheduler) refreshClock(t calendar.Time) {
	if err := s.screen.SetClock(t.Hour, t.Minute); err != nil {
		s.logger.Warn("clock refresh failed", "err", err)
	}
	if t.Hour == 0 && t.Minute == 0 {
		s.Signal(KindDate)
	}
}

func (s *Scheduler) refreshDate(t calendar.Time) {
	if err := s.screen.SetDate(t.Year, t.Month, t.Day); err != nil {
		s.logger.Warn("date refresh failed", "err", err)
	}
	if err := s.screen.SetDay(calendar.WeekdayName(t.Weekday)); err != nil {
		s.logger.Warn("day refresh failed", "err", err)
	}
}

func (s *Scheduler) refresher() {
	defer s.wg.Done()

	delay := s.clock.NewTimer(s.cfg.RefreshDelay)
	select {
	case <-s.stop:
		delay.Stop()
		return
	case <-delay.Chan():
	}
	s.Signal(KindClock)

	ticker := s.clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.Signal(KindClock)
		}
	}
}
