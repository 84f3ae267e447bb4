package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/sim/catalogs"
	"chunkcap.ai/internal/sim/tuning"
	"chunkcap.ai/internal/sim/world"
	"chunkcap.ai/internal/transport/ws"
)

func newTestMux(t *testing.T, admin bool) (*world.World, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	tune := tuning.Defaults()
	tune.ChunkHeight = 2
	w, err := world.New(tune, catalogs.Default(), world.Options{
		Logger:  zaptest.NewLogger(t),
		Metrics: limiter.NewMetrics(reg),
	})
	require.NoError(t, err)
	wsSrv, err := ws.NewServer(w, ws.Options{Metrics: ws.NewMetrics(reg)})
	require.NoError(t, err)
	srv := httptest.NewServer(newMux(muxDeps{
		world:    w,
		ws:       wsSrv,
		registry: reg,
		log:      zaptest.NewLogger(t),
		admin:    admin,
	}))
	t.Cleanup(func() {
		srv.Close()
		w.Close()
	})
	return w, srv
}

func getBody(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestMux_HealthAndMetrics(t *testing.T) {
	_, srv := newTestMux(t, true)

	code, body := getBody(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = getBody(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "chunkcap_tracked_regions")
	assert.Contains(t, string(body), "chunkcap_ws_sessions")
}

func TestMux_StateAndChunk(t *testing.T) {
	w, srv := newTestMux(t, true)
	_, err := w.LoadChunk(world.ChunkKey{CX: 1, CZ: -1}, make([]uint16, 16*16*2))
	require.NoError(t, err)

	code, body := getBody(t, srv.URL+"/admin/v1/state")
	require.Equal(t, http.StatusOK, code, string(body))
	var st stateResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Metrics.LoadedChunks)
	assert.Equal(t, int64(10), st.Metrics.Limiter.Cap)
	assert.Nil(t, st.Index)

	code, body = getBody(t, srv.URL+"/admin/v1/chunk?cx=1&cz=-1")
	require.Equal(t, http.StatusOK, code, string(body))
	var ch chunkResponse
	require.NoError(t, json.Unmarshal(body, &ch))
	assert.True(t, ch.Loaded)
	assert.True(t, ch.Tracked)

	code, _ = getBody(t, srv.URL+"/admin/v1/chunk?cx=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMux_ReconcileAndCap(t *testing.T) {
	w, srv := newTestMux(t, true)
	_, err := w.LoadChunk(world.ChunkKey{}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Metrics().Limiter.Pool.Completed >= 1 }, 2*time.Second, 5*time.Millisecond)

	code, _ := getBody(t, srv.URL+"/admin/v1/reconcile")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	resp, err := http.Post(srv.URL+"/admin/v1/reconcile", "application/json", nil)
	require.NoError(t, err)
	var rec reconcileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rec.OK)
	assert.Equal(t, 1, rec.Scanned)
	assert.Zero(t, rec.Drift)

	resp, err = http.Post(srv.URL+"/admin/v1/cap?value=3", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), w.Engine().Cap())

	resp, err = http.Post(srv.URL+"/admin/v1/cap?value=-1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMux_AdminDisabled(t *testing.T) {
	_, srv := newTestMux(t, false)
	code, _ := getBody(t, srv.URL+"/admin/v1/state")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:5555"))
	assert.True(t, isLoopbackRemote("[::1]:80"))
	assert.False(t, isLoopbackRemote("10.0.0.2:80"))
	assert.False(t, isLoopbackRemote("garbage"))
}
