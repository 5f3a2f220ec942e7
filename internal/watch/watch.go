// Package watch wires the device twin, tick source, refresh scheduler,
// time-set channel and BLE attribute table into one running watch.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"watchtwin/internal/ble"
	"watchtwin/internal/calendar"
	"watchtwin/internal/cts"
	"watchtwin/internal/devicetwin"
	"watchtwin/internal/display"
	"watchtwin/internal/scheduler"
	"watchtwin/internal/store"
	"watchtwin/internal/ticksource"
)

// Plausible range of UTC offsets. Values outside are accepted but logged.
const (
	minUTCOffset = -12
	maxUTCOffset = 14
)

// Config holds watch configuration.
type Config struct {
	UTCOffset       int8
	SeedEpoch       uint32
	RefreshInterval time.Duration
	RefreshDelay    time.Duration
	DeviceName      string
}

// Radio is the BLE link surface the watch drives.
type Radio interface {
	Advertise(name string, uuids ...uint16) error
	StopAdvertising() error
	Notify(handle uint16, value []byte) error
	OnConnected(fn func(ble.Peer))
	OnDisconnected(fn func(ble.Peer, uint8))
	Peers() []ble.Peer
}

// Status is a point-in-time view of the watch clock.
type Status struct {
	Epoch     uint32            `json:"epoch"`
	UTCOffset int8              `json:"utc_offset"`
	Local     calendar.Time     `json:"local"`
	Weekday   string            `json:"weekday"`
	Tick      string            `json:"tick"`
	Face      display.FaceState `json:"face"`
}

// Option configures a Watch.
type Option func(*Watch)

// WithClock replaces the real clock for the tick source, refresher and
// history timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watch) {
		w.clock = c
	}
}

// WithTickInterval overrides the one-second tick, mainly for tests.
func WithTickInterval(d time.Duration) Option {
	return func(w *Watch) {
		w.tickInterval = d
	}
}

// Watch owns the device twin and every component that reads or writes it.
type Watch struct {
	cfg    Config
	store  store.Store
	events *EventBus
	logger *slog.Logger
	clock  clockwork.Clock

	twin  *devicetwin.State
	face  *display.Face
	gatt  *ble.Registry
	cts   *cts.Service
	sched *scheduler.Scheduler
	ticks *ticksource.Source

	tickInterval time.Duration

	radioMu sync.RWMutex
	radio   Radio

	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a watch. st may be nil, in which case no history or peers are
// recorded.
func New(cfg Config, st store.Store, events *EventBus, logger *slog.Logger, opts ...Option) (*Watch, error) {
	w := &Watch{
		cfg:          cfg,
		store:        st,
		events:       events,
		logger:       logger,
		tickInterval: ticksource.DefaultInterval,
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}

	if cfg.UTCOffset < minUTCOffset || cfg.UTCOffset > maxUTCOffset {
		logger.Warn("utc offset outside [-12, 14], using as configured", "utc_offset", cfg.UTCOffset)
	}

	w.twin = devicetwin.New(cfg.SeedEpoch, cfg.UTCOffset)
	w.face = display.NewFace()
	w.sched = scheduler.New(w.twin, w.face, scheduler.Config{
		RefreshInterval: cfg.RefreshInterval,
		RefreshDelay:    cfg.RefreshDelay,
	}, logger, scheduler.WithClock(w.clock), scheduler.WithOnRefresh(w.onRefresh))
	w.ticks = ticksource.New(w.twin, logger,
		ticksource.WithClock(w.clock),
		ticksource.WithInterval(w.tickInterval),
		ticksource.WithOnTick(w.onTick))

	w.cts = cts.New(w.twin, w.sched, logger)
	w.cts.OnChange(w.onTimeSet)

	w.gatt = ble.NewRegistry(logger)
	if err := w.cts.Register(w.gatt); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return w, nil
}

// SetRadio attaches the BLE link. It must be called before Start.
func (w *Watch) SetRadio(r Radio) {
	w.radioMu.Lock()
	w.radio = r
	w.radioMu.Unlock()
	r.OnConnected(w.onConnected)
	r.OnDisconnected(w.onDisconnected)
}

func (w *Watch) getRadio() Radio {
	w.radioMu.RLock()
	defer w.radioMu.RUnlock()
	return w.radio
}

// Start brings the watch up in boot order: the first date refresh and the
// clock refresher, then advertising, then the tick.
func (w *Watch) Start() error {
	var err error
	w.startOnce.Do(func() {
		w.sched.Start()

		if r := w.getRadio(); r != nil {
			if err = r.Advertise(w.cfg.DeviceName, ble.UUIDCurrentTimeService); err != nil {
				err = fmt.Errorf("watch: %w", err)
				return
			}
		}

		if err = w.ticks.Start(); err != nil {
			err = fmt.Errorf("watch: %w", err)
			return
		}
		w.wg.Add(1)
		go w.watchTicks()

		w.logger.Info("watch started", "epoch", w.twin.Epoch(), "utc_offset", w.twin.Offset())
	})
	return err
}

// Stop halts the tick, advertising and refresh worker. It waits until the
// tick source has fired its last alarm or ctx is done.
func (w *Watch) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.ticks.Stop()
		if r := w.getRadio(); r != nil {
			if e := r.StopAdvertising(); e != nil && !errors.Is(e, ble.ErrLinkClosed) {
				w.logger.Warn("stop advertising", "err", e)
			}
		}
		w.sched.Stop()

		select {
		case <-w.ticks.Done():
		case <-ctx.Done():
			err = fmt.Errorf("watch: waiting for tick source: %w", ctx.Err())
		}
		close(w.quit)
		w.wg.Wait()
		w.logger.Info("watch stopped")
	})
	return err
}

func (w *Watch) watchTicks() {
	defer w.wg.Done()
	select {
	case <-w.ticks.Done():
	case <-w.quit:
		select {
		case <-w.ticks.Done():
		default:
			return
		}
	}
	w.events.Emit(Event{Type: EventTickStopped, Data: TickStoppedData{Epoch: w.twin.Epoch()}})
}

// SetTime applies epoch through the time-set channel.
func (w *Watch) SetTime(source string, epoch uint32) {
	w.cts.Set(source, epoch)
}

// Status returns the current clock view.
func (w *Watch) Status() Status {
	snap := w.twin.Snapshot()
	local := snap.Local()
	return Status{
		Epoch:     snap.Epoch,
		UTCOffset: snap.Offset,
		Local:     local,
		Weekday:   calendar.WeekdayName(local.Weekday),
		Tick:      w.ticks.State().String(),
		Face:      w.face.State(),
	}
}

// Peers returns connected centrals, or nil without a radio.
func (w *Watch) Peers() []ble.Peer {
	if r := w.getRadio(); r != nil {
		return r.Peers()
	}
	return nil
}

// Twin returns the device twin.
func (w *Watch) Twin() *devicetwin.State {
	return w.twin
}

// Face returns the headless display.
func (w *Watch) Face() *display.Face {
	return w.face
}

// GATT returns the attribute table.
func (w *Watch) GATT() *ble.Registry {
	return w.gatt
}

// CTS returns the time-set channel.
func (w *Watch) CTS() *cts.Service {
	return w.cts
}

// Scheduler returns the refresh scheduler.
func (w *Watch) Scheduler() *scheduler.Scheduler {
	return w.sched
}

// Events returns the event bus.
func (w *Watch) Events() *EventBus {
	return w.events
}

// Store returns the store, which may be nil.
func (w *Watch) Store() store.Store {
	return w.store
}

// onTick runs on the alarm goroutine; it only signals.
func (w *Watch) onTick(epoch uint32) {
	if epoch%60 == 0 {
		w.sched.Signal(scheduler.KindClock)
	}
}

func (w *Watch) onRefresh(kind scheduler.Kind, t calendar.Time) {
	typ := EventClockRefresh
	if kind == scheduler.KindDate {
		typ = EventDateRefresh
	}
	w.events.Emit(Event{Type: typ, Data: RefreshData{Time: t, Face: w.face.State()}})
}

func (w *Watch) onTimeSet(c cts.Change) {
	if w.store != nil {
		rec := &store.TimeSync{Epoch: c.Epoch, Previous: c.Previous, Source: c.Source, At: w.clock.Now()}
		if err := w.store.AppendTimeSync(rec); err != nil {
			w.logger.Error("record time sync", "err", err)
		}
	}
	w.events.Emit(Event{Type: EventTimeSet, Data: c})

	if r := w.getRadio(); r != nil && len(r.Peers()) > 0 {
		v, err := w.cts.ReadCurrentTime()
		if err != nil {
			w.logger.Error("read current time", "err", err)
			return
		}
		if err := r.Notify(cts.HandleCurrentTime, v); err != nil {
			w.logger.Debug("notify current time", "err", err)
		}
	}
}

func (w *Watch) onConnected(p ble.Peer) {
	if w.store != nil {
		now := w.clock.Now()
		err := w.store.UpdatePeer(p.Address, func(sp *store.Peer) error {
			sp.AddressType = p.AddressType
			sp.LastSeen = now
			sp.Connections++
			sp.Connected = true
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			err = w.store.SavePeer(&store.Peer{
				Address:     p.Address,
				AddressType: p.AddressType,
				FirstSeen:   now,
				LastSeen:    now,
				Connections: 1,
				Connected:   true,
			})
		}
		if err != nil {
			w.logger.Error("record peer", "addr", p.Address, "err", err)
		}
	}
	w.events.Emit(Event{Type: EventPeerConnected, Data: PeerData{Address: p.Address, ConnHandle: p.ConnHandle}})
}

func (w *Watch) onDisconnected(p ble.Peer, reason uint8) {
	if w.store != nil && p.Address != "" {
		now := w.clock.Now()
		err := w.store.UpdatePeer(p.Address, func(sp *store.Peer) error {
			sp.LastSeen = now
			sp.LastDisconnect = reason
			sp.Connected = false
			return nil
		})
		if err != nil {
			w.logger.Error("record peer disconnect", "addr", p.Address, "err", err)
		}
	}
	w.events.Emit(Event{Type: EventPeerDisconnected, Data: PeerData{Address: p.Address, ConnHandle: p.ConnHandle, Reason: reason}})
}
