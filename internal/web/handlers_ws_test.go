package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"watchtwin/internal/cts"
	"watchtwin/internal/watch"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run()
	}()
	t.Cleanup(func() {
		hub.Stop()
		<-done
	})
	return hub
}

func waitCount(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Count() == n }, time.Second, time.Millisecond)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)

	c := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c
	waitCount(t, hub, 1)

	hub.unregister <- c
	waitCount(t, hub, 0)

	_, open := <-c.send
	assert.False(t, open, "send should be closed after unregister")
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub(t)

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2

	hub.Broadcast(watch.Event{Type: watch.EventTimeSet, Data: cts.Change{Epoch: 5, Source: cts.SourceHTTP}})

	for _, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			assert.JSONEq(t, `{"type":"time_set","data":{"previous":0,"epoch":5,"source":"http"}}`, string(msg))
		case <-time.After(time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestWSHubEventFilter(t *testing.T) {
	hub := newTestHub(t)

	c := &wsClient{send: make(chan []byte, 16), events: map[string]bool{watch.EventClockRefresh: true}}
	hub.register <- c

	hub.Broadcast(watch.Event{Type: watch.EventTimeSet})
	hub.Broadcast(watch.Event{Type: watch.EventClockRefresh})

	select {
	case msg := <-c.send:
		assert.Contains(t, string(msg), `"clock_refresh"`)
	case <-time.After(time.Second):
		t.Fatal("filtered client did not receive clock_refresh")
	}
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %s", msg)
	default:
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	waitCount(t, hub, 2)

	hub.Broadcast(watch.Event{Type: "a"})
	hub.Broadcast(watch.Event{Type: "b"})
	waitCount(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	assert.True(t, fastPresent)
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	// Not running, so nothing drains the queue.
	hub := NewWSHub(testLogger())
	for i := 0; i < wsBroadcastBuffer; i++ {
		hub.Broadcast(watch.Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(watch.Event{Type: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked when queue is full")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	c := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c

	hub.Stop()
	hub.Stop()

	select {
	case _, open := <-c.send:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("client send not closed after Stop")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub(t)

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	waitCount(t, hub, 0)

	select {
	case unknown.send <- []byte("x"):
	default:
		t.Error("send of an unregistered client must stay open")
	}
}

func TestWSStreamsWatchEvents(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?events=time_set"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() watch.Event {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		return watch.Event{Type: ev.Type, Data: ev.Data}
	}

	first := read()
	require.Equal(t, eventStatus, first.Type)
	assert.Contains(t, string(first.Data.(json.RawMessage)), `"epoch":1700000000`)

	waitCount(t, env.srv.wsHub, 1)
	env.watch.SetTime(cts.SourceHTTP, 1234)

	ev := read()
	require.Equal(t, watch.EventTimeSet, ev.Type)
	assert.JSONEq(t, `{"previous":1700000000,"epoch":1234,"source":"http"}`, string(ev.Data.(json.RawMessage)))
}
