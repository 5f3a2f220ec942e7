package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchtwin/internal/cts"
	"watchtwin/internal/store"
	"watchtwin/internal/watch"
)

const testEpoch = 1700000000 // 2023-11-15 00:13:20 at UTC+2

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	srv   *Server
	watch *watch.Watch
	db    *store.BoltStore
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC))
	w, err := watch.New(watch.Config{SeedEpoch: testEpoch, UTCOffset: 2}, db, watch.NewEventBus(logger), logger, watch.WithClock(clock))
	require.NoError(t, err)

	srv := NewServer(w, logger, opts...)
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, watch: w, db: db}
}

func (e *testEnv) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPIGetTime(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, "GET", "/api/time", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	st := decode[watch.Status](t, rec)
	assert.Equal(t, uint32(testEpoch), st.Epoch)
	assert.Equal(t, int8(2), st.UTCOffset)
	assert.Equal(t, "2023-11-15 00:13:20", st.Local.String())
	assert.Equal(t, "WED", st.Weekday)
	assert.Equal(t, "idle", st.Tick)
}

func TestAPISetTime(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, "PUT", "/api/time", `{"epoch": 1700003600}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[watch.Status](t, rec)
	assert.Equal(t, uint32(1700003600), st.Epoch)
	assert.Equal(t, uint32(1700003600), env.watch.Twin().Epoch())

	last, err := env.db.LastTimeSync()
	require.NoError(t, err)
	assert.Equal(t, cts.SourceHTTP, last.Source)
	assert.Equal(t, uint32(testEpoch), last.Previous)
}

func TestAPISetTimeRejectsBadInput(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `nope`, "invalid request body"},
		{"unknown field", `{"epoch": 1, "tz": 2}`, "invalid request body"},
		{"fractional", `{"epoch": 1.5}`, "invalid request body"},
		{"missing", `{}`, "epoch is required"},
		{"negative", `{"epoch": -1}`, "epoch out of range"},
		{"too large", `{"epoch": 4294967296}`, "epoch out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "PUT", "/api/time", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decode[map[string]string](t, rec)["error"])
		})
	}
	assert.Equal(t, uint32(testEpoch), env.watch.Twin().Epoch())
}

func TestAPISetTimeAcceptsUpperBound(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, "PUT", "/api/time", `{"epoch": 4294967295}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint32(4294967295), env.watch.Twin().Epoch())
}

func TestAPIFace(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, env.watch.Face().SetClock(7, 5))

	rec := env.do(t, "GET", "/api/face", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"clock":"07:05","date":"","day":""}`, rec.Body.String())
}

func TestAPIHistory(t *testing.T) {
	env := setupTestServer(t)
	for _, e := range []uint32{100, 200, 300} {
		env.watch.SetTime(cts.SourceMQTT, e)
	}

	rec := env.do(t, "GET", "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	views := decode[[]historyView](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, uint32(300), views[0].Epoch)
	assert.Equal(t, uint32(200), views[0].Previous)
	assert.Equal(t, int64(100), views[0].Drift)
	assert.Equal(t, "1970-01-01 02:05:00", views[0].Local)
	assert.Equal(t, uint32(200), views[1].Epoch)

	rec = env.do(t, "GET", "/api/history", "")
	assert.Len(t, decode[[]historyView](t, rec), 3)

	for _, q := range []string{"0", "-3", "abc"} {
		rec = env.do(t, "GET", "/api/history?limit="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestAPIHistoryWithoutStore(t *testing.T) {
	logger := testLogger()
	w, err := watch.New(watch.Config{SeedEpoch: testEpoch}, nil, watch.NewEventBus(logger), logger)
	require.NoError(t, err)
	srv := NewServer(w, logger)
	defer srv.Stop()

	for _, path := range []string{"/api/history", "/api/peers"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/history", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAPIPeers(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, env.db.SavePeer(&store.Peer{Address: "AA:BB:CC:DD:EE:FF", Connections: 3}))

	rec := env.do(t, "GET", "/api/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[peersResponse](t, rec)
	assert.Empty(t, resp.Connected)
	require.Len(t, resp.Known, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", resp.Known[0].Address)
	assert.Equal(t, 3, resp.Known[0].Connections)
	assert.Contains(t, rec.Body.String(), `"connected":[]`)
}

func TestAPIListGATT(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, "GET", "/api/gatt", "")
	require.Equal(t, http.StatusOK, rec.Code)

	services := decode[[]gattServiceView](t, rec)
	require.Len(t, services, 1)
	assert.Equal(t, "1805", services[0].UUID)
	require.Len(t, services[0].Characteristics, 3)

	byHandle := make(map[string]gattCharView)
	for _, c := range services[0].Characteristics {
		byHandle[c.Handle] = c
	}
	unix := byHandle["0x0012"]
	assert.Equal(t, cts.UUIDUnixTime, unix.UUID)
	assert.Equal(t, "00f15365", unix.Value)
	assert.Contains(t, unix.Properties, "write")
	assert.Contains(t, byHandle["0x0010"].Properties, "notify")
}

func TestAPIReadGATT(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, "GET", "/api/gatt/0x0012", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "00f15365", decode[map[string]string](t, rec)["value"])

	rec = env.do(t, "GET", "/api/gatt/18", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/api/gatt/0x0099", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.EqualValues(t, 0x01, decode[map[string]any](t, rec)["att_code"])

	rec = env.do(t, "GET", "/api/gatt/zz", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIWriteGATT(t *testing.T) {
	env := setupTestServer(t)

	// 1700003600 little-endian
	rec := env.do(t, "PUT", "/api/gatt/0x0012", `{"value":"10ff5365"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint32(1700003600), env.watch.Twin().Epoch())

	tests := []struct {
		name   string
		handle string
		body   string
		status int
		code   float64
	}{
		{"short value", "0x0012", `{"value":"000000"}`, http.StatusBadRequest, 0x07},
		{"nonzero offset", "0x0012", `{"offset":1,"value":"00000000"}`, http.StatusBadRequest, 0x07},
		{"read only", "0x0014", `{"value":"0800"}`, http.StatusBadRequest, 0x03},
		{"unknown handle", "0x0099", `{"value":"00"}`, http.StatusNotFound, 0x01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "PUT", "/api/gatt/"+tt.handle, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[map[string]any](t, rec)["att_code"])
		})
	}

	rec = env.do(t, "PUT", "/api/gatt/0x0012", `{"value":"xyz"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, uint32(1700003600), env.watch.Twin().Epoch())
}

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t, WithVersion("1.2.3"))

	rec := env.do(t, "GET", "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"1.2.3"}`, rec.Body.String())
}

func TestAPIKeyRequired(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"))

	rec := env.do(t, "GET", "/api/time", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "GET", "/api/time", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "GET", "/api/time", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://phone.local"}))

	rec := env.do(t, "OPTIONS", "/api/time", "", "Origin", "http://phone.local")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://phone.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")

	rec = env.do(t, "OPTIONS", "/api/time", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, "PUT", "/api/time", `{"epoch": 5}`, "Origin", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, uint32(testEpoch), env.watch.Twin().Epoch())

	rec = env.do(t, "PUT", "/api/time", `{"epoch": 5}`, "Origin", "http://phone.local")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://phone.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, "GET", "/api/time", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
}
