package watch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"watchtwin/internal/ble"
	"watchtwin/internal/cts"
	"watchtwin/internal/display"
	"watchtwin/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRadio struct {
	mu             sync.Mutex
	advertised     []string
	advStopped     bool
	notified       [][]byte
	peers          []ble.Peer
	onConnected    func(ble.Peer)
	onDisconnected func(ble.Peer, uint8)
}

func (r *fakeRadio) Advertise(name string, uuids ...uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertised = append(r.advertised, name)
	return nil
}

func (r *fakeRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advStopped = true
	return nil
}

func (r *fakeRadio) Notify(handle uint16, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, value)
	return nil
}

func (r *fakeRadio) OnConnected(fn func(ble.Peer)) { r.onConnected = fn }
func (r *fakeRadio) OnDisconnected(fn func(ble.Peer, uint8)) { r.onDisconnected = fn }

func (r *fakeRadio) Peers() []ble.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ble.Peer(nil), r.peers...)
}

func (r *fakeRadio) connect(p ble.Peer) {
	r.mu.Lock()
	r.peers = append(r.peers, p)
	r.mu.Unlock()
	r.onConnected(p)
}

func (r *fakeRadio) disconnect(p ble.Peer, reason uint8) {
	r.mu.Lock()
	r.peers = nil
	r.mu.Unlock()
	r.onDisconnected(p, reason)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) last(typ string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ {
			return l.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	w     *Watch
	clock *clockwork.FakeClock
	store *store.BoltStore
	log   *eventLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "watch.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClock()
	events := NewEventBus(newTestLogger())
	log := &eventLog{}
	events.OnAll(log.record)

	w, err := New(cfg, st, events, newTestLogger(), WithClock(clock))
	require.NoError(t, err)
	return &harness{w: w, clock: clock, store: st, log: log}
}

// stop requests a stop and fires the pending tick alarm so it completes.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errc <- h.w.Stop(ctx)
	}()
	require.Eventually(t, func() bool {
		return h.w.ticks.State().String() != "running"
	}, time.Second, time.Millisecond)
	h.clock.Advance(time.Second)
	require.NoError(t, <-errc)
}

func TestStartRendersDateAndTicks(t *testing.T) {
	h := newHarness(t, Config{UTCOffset: 2, SeedEpoch: 1700000000})
	require.NoError(t, h.w.Start())

	require.Eventually(t, func() bool { return h.log.count(EventDateRefresh) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "15/11/2023", h.w.Face().State().Date)
	assert.Equal(t, "WED", h.w.Face().State().Day)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Tick alarm and refresher delay.
	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.w.Twin().Epoch() == 1700000001 }, time.Second, time.Millisecond)

	st := h.w.Status()
	assert.Equal(t, uint32(1700000001), st.Epoch)
	assert.Equal(t, int8(2), st.UTCOffset)
	assert.Equal(t, "WED", st.Weekday)
	assert.Equal(t, "running", st.Tick)

	h.stop(t)
	require.Eventually(t, func() bool { return h.log.count(EventTickStopped) == 1 }, time.Second, time.Millisecond)
}

func TestMinuteBoundaryRefreshesClock(t *testing.T) {
	h := newHarness(t, Config{SeedEpoch: 1700000039})
	require.NoError(t, h.w.Start())
	require.Eventually(t, func() bool { return h.log.count(EventDateRefresh) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	h.clock.Advance(time.Second)

	require.Eventually(t, func() bool { return h.log.count(EventClockRefresh) == 1 }, time.Second, time.Millisecond)
	e, _ := h.log.last(EventClockRefresh)
	data := e.Data.(RefreshData)
	assert.Equal(t, uint8(22), data.Time.Hour)
	assert.Equal(t, uint8(14), data.Time.Minute)
	assert.Equal(t, "22:14", data.Face.Clock)

	h.stop(t)
}

func TestSetTimeRecordsHistoryAndRefreshes(t *testing.T) {
	h := newHarness(t, Config{UTCOffset: 2})
	require.NoError(t, h.w.Start())

	h.w.SetTime(cts.SourceHTTP, 1700000000)

	require.Eventually(t, func() bool {
		return h.w.Face().State() == display.FaceState{Clock: "00:13", Date: "15/11/2023", Day: "WED"}
	}, time.Second, time.Millisecond)

	e, ok := h.log.last(EventTimeSet)
	require.True(t, ok)
	assert.Equal(t, cts.Change{Previous: 0, Epoch: 1700000000, Source: cts.SourceHTTP}, e.Data)

	last, err := h.store.LastTimeSync()
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), last.Epoch)
	assert.Equal(t, cts.SourceHTTP, last.Source)
	assert.True(t, last.At.Equal(h.clock.Now()))

	h.stop(t)
}

func TestGATTWriteGoesThroughChannel(t *testing.T) {
	h := newHarness(t, Config{UTCOffset: 2})
	err := h.w.GATT().Write(cts.HandleUnixTime, 0, []byte{0x00, 0xF1, 0x53, 0x65})
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), h.w.Twin().Epoch())

	err = h.w.GATT().Write(cts.HandleUnixTime, 0, []byte{0x00})
	assert.ErrorIs(t, err, ble.ErrInvalidOffset)

	history, _ := h.store.ListTimeSyncs(0)
	assert.Len(t, history, 1)
	require.NoError(t, h.w.Stop(context.Background()))
}

func TestRadioLifecycleAndPeers(t *testing.T) {
	h := newHarness(t, Config{DeviceName: "ZephyrWatch"})
	radio := &fakeRadio{}
	h.w.SetRadio(radio)
	require.NoError(t, h.w.Start())
	assert.Equal(t, []string{"ZephyrWatch"}, radio.advertised)

	peer := ble.Peer{ConnHandle: 1, Address: "11:22:33:44:55:66", AddressType: 1}
	radio.connect(peer)
	assert.Equal(t, 1, h.log.count(EventPeerConnected))
	assert.Len(t, h.w.Peers(), 1)

	sp, err := h.store.GetPeer(peer.Address)
	require.NoError(t, err)
	assert.True(t, sp.Connected)
	assert.Equal(t, 1, sp.Connections)

	// A connected peer gets the new Current Time value.
	h.w.SetTime(cts.SourceMQTT, 1700000000)
	radio.mu.Lock()
	require.Len(t, radio.notified, 1)
	assert.Len(t, radio.notified[0], 10)
	// 2023-11-14 22:13:20 at UTC+0.
	assert.Equal(t, []byte{0xE7, 0x07, 11, 14, 22, 13, 20}, radio.notified[0][:7])
	radio.mu.Unlock()

	radio.disconnect(peer, 0x13)
	e, ok := h.log.last(EventPeerDisconnected)
	require.True(t, ok)
	assert.Equal(t, PeerData{Address: peer.Address, ConnHandle: 1, Reason: 0x13}, e.Data)

	radio.connect(peer)
	sp, _ = h.store.GetPeer(peer.Address)
	assert.Equal(t, 2, sp.Connections)
	assert.Equal(t, uint8(0x13), sp.LastDisconnect)

	h.stop(t)
	assert.True(t, radio.advStopped)
}

func TestStopTimesOutWithoutFinalTick(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.w.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.w.Stop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.log.count(EventTickStopped))
}

func TestNewWithoutStore(t *testing.T) {
	w, err := New(Config{UTCOffset: 20}, nil, NewEventBus(newTestLogger()), newTestLogger(),
		WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)
	w.SetTime(cts.SourceAutomation, 42)
	assert.Equal(t, uint32(42), w.Twin().Epoch())
	assert.Nil(t, w.Peers())
	require.NoError(t, w.Stop(context.Background()))
}
