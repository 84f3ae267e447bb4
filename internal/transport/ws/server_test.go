package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chunkcap.ai/internal/protocol"
	"chunkcap.ai/internal/sim/catalogs"
	"chunkcap.ai/internal/sim/encoding"
	"chunkcap.ai/internal/sim/tuning"
	"chunkcap.ai/internal/sim/world"
)

type harness struct {
	world   *world.World
	srv     *Server
	http    *httptest.Server
	metrics *Metrics
}

func newHarness(t *testing.T, mut func(*tuning.Tuning)) *harness {
	t.Helper()
	tune := tuning.Defaults()
	tune.ChunkHeight = 4
	if mut != nil {
		mut(&tune)
	}
	w, err := world.New(tune, catalogs.Default(), world.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	m := NewMetrics(prometheus.NewRegistry())
	srv, err := NewServer(w, Options{Logger: zaptest.NewLogger(t), RateLimits: tune.RateLimits, Metrics: m})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		w.Close()
	})
	return &harness{world: w, srv: srv, http: hs, metrics: m}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func recv(t *testing.T, conn *websocket.Conn) (protocol.BaseMessage, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	base, err := protocol.DecodeBase(b)
	require.NoError(t, err)
	return base, b
}

func recvAs[T any](t *testing.T, conn *websocket.Conn, typ string) T {
	t.Helper()
	base, b := recv(t, conn)
	require.Equal(t, typ, base.Type, string(b))
	var out T
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func (h *harness) join(t *testing.T) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn := h.dial(t)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, HostName: "test-host"})
	return conn, recvAs[protocol.WelcomeMsg](t, conn, protocol.TypeWelcome)
}

// loadEmpty streams an all-air chunk and waits for its initial scan.
func (h *harness) loadEmpty(t *testing.T, conn *websocket.Conn, cx, cz int) {
	t.Helper()
	before := h.world.Metrics().Limiter.Pool.Completed
	data := encoding.EncodeRLE(make([]uint16, 16*16*h.world.Height()))
	send(t, conn, protocol.ChunkLoadMsg{Type: protocol.TypeChunkLoad, CX: cx, CZ: cz, Encoding: protocol.EncodingRLE, Data: data})
	loaded := recvAs[protocol.ChunkLoadedMsg](t, conn, protocol.TypeChunkLoaded)
	require.Equal(t, cx, loaded.CX)
	require.Len(t, loaded.Digest, 64)
	require.Eventually(t, func() bool {
		return h.world.Metrics().Limiter.Pool.Completed > before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_HandshakeWelcome(t *testing.T) {
	h := newHarness(t, nil)
	_, welcome := h.join(t)

	assert.NotEmpty(t, welcome.SessionID)
	assert.Equal(t, protocol.Version, welcome.ProtocolVersion)
	assert.Equal(t, 16, welcome.Params.ChunkSize)
	assert.Equal(t, 4, welcome.Params.Height)
	assert.Equal(t, int64(10), welcome.Params.Cap)
	assert.Equal(t, "strict", welcome.Params.GateMode)
	assert.Equal(t, catalogs.Default().PaletteDigest, welcome.Palette.Digest)
	assert.Equal(t, "AIR", welcome.Palette.Blocks[0])
	require.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_HandshakeRejections(t *testing.T) {
	h := newHarness(t, nil)

	conn := h.dial(t)
	send(t, conn, protocol.TickMsg{Type: protocol.TypeTick, Tick: 1})
	e := recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrProtoBadRequest, e.Code)

	conn = h.dial(t)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9", HostName: "old"})
	e = recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrProtoVersion, e.Code)

	conn = h.dial(t)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, HostName: "x", PaletteDigest: strings.Repeat("0", 64)})
	e = recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrProtoBadRequest, e.Code)
	assert.Contains(t, e.Message, "palette")
}

func TestServer_PlaceUpToCap(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.join(t)
	h.loadEmpty(t, conn, 0, 0)

	for i := 0; i < 10; i++ {
		send(t, conn, protocol.PlaceMsg{Type: protocol.TypePlace, ID: "p", Pos: [3]int{i, 0, 0}, Block: "BRICK", ActorKind: protocol.ActorPlayer})
		res := recvAs[protocol.PlaceResultMsg](t, conn, protocol.TypePlaceResult)
		require.Equal(t, protocol.VerdictAccepted, res.Verdict, "placement %d: %+v", i+1, res)
		require.Equal(t, int64(i+1), res.Count)
	}

	send(t, conn, protocol.PlaceMsg{Type: protocol.TypePlace, ID: "over", Pos: [3]int{10, 0, 0}, Block: "BRICK"})
	res := recvAs[protocol.PlaceResultMsg](t, conn, protocol.TypePlaceResult)
	assert.Equal(t, "over", res.ID)
	assert.Equal(t, protocol.VerdictRejected, res.Verdict)
	assert.Equal(t, protocol.ErrCapReached, res.Code)
	assert.Equal(t, int64(10), res.Cap)

	send(t, conn, protocol.BreakMsg{Type: protocol.TypeBreak, ID: "b", Pos: [3]int{0, 0, 0}})
	br := recvAs[protocol.BreakResultMsg](t, conn, protocol.TypeBreakResult)
	assert.True(t, br.OK)
	assert.Equal(t, "BRICK", br.Block)

	send(t, conn, protocol.PlaceMsg{Type: protocol.TypePlace, ID: "again", Pos: [3]int{10, 0, 0}, Block: "BRICK"})
	res = recvAs[protocol.PlaceResultMsg](t, conn, protocol.TypePlaceResult)
	assert.Equal(t, protocol.VerdictAccepted, res.Verdict)
}

func TestServer_RequestErrors(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.join(t)
	h.loadEmpty(t, conn, 0, 0)

	send(t, conn, protocol.PlaceMsg{Type: protocol.TypePlace, ID: "far", Pos: [3]int{500, 0, 0}, Block: "BRICK"})
	res := recvAs[protocol.PlaceResultMsg](t, conn, protocol.TypePlaceResult)
	assert.Equal(t, protocol.VerdictRejected, res.Verdict)
	assert.Equal(t, protocol.ErrChunkNotLoaded, res.Code)

	send(t, conn, protocol.PlaceMsg{Type: protocol.TypePlace, ID: "u", Pos: [3]int{1, 0, 0}, Block: "NOPE"})
	res = recvAs[protocol.PlaceResultMsg](t, conn, protocol.TypePlaceResult)
	assert.Equal(t, protocol.ErrUnknownBlock, res.Code)

	send(t, conn, map[string]any{"type": "PLACE", "id": "bad"})
	e := recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrProtoBadRequest, e.Code)

	send(t, conn, protocol.ChunkLoadMsg{Type: protocol.TypeChunkLoad, CX: 1, CZ: 0, Encoding: protocol.EncodingRLE, Data: encoding.EncodeRLE([]uint16{0, 0, 0})})
	e = recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrBadRequest, e.Code)
	assert.False(t, h.world.IsLoaded(world.ChunkKey{CX: 1}))

	send(t, conn, protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, SessionID: "x"})
	e = recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrProtoBadRequest, e.Code)
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t, func(tu *tuning.Tuning) {
		tu.RateLimits = tuning.RateLimits{MessagesPerSec: 0.001, Burst: 2}
	})
	conn, _ := h.join(t)

	for i := 0; i < 2; i++ {
		send(t, conn, protocol.BreakMsg{Type: protocol.TypeBreak, ID: "b", Pos: [3]int{0, 0, 0}})
		br := recvAs[protocol.BreakResultMsg](t, conn, protocol.TypeBreakResult)
		assert.Equal(t, protocol.ErrChunkNotLoaded, br.Code)
	}
	send(t, conn, protocol.BreakMsg{Type: protocol.TypeBreak, ID: "b", Pos: [3]int{0, 0, 0}})
	e := recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrRateLimit, e.Code)

	send(t, conn, protocol.TickMsg{Type: protocol.TypeTick, Tick: 7})
	e = recvAs[protocol.ErrorMsg](t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrRateLimit, e.Code)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.rateLimitedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.messages.WithLabelValues(protocol.TypeBreak)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sessions))
}

func TestServer_OversizedFrameClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.join(t)
	require.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)

	huge := strings.Repeat("A", int(maxMessageSize(h.world.Height()))+1)
	send(t, conn, protocol.ChunkLoadMsg{Type: protocol.TypeChunkLoad, Encoding: protocol.EncodingRLE, Data: huge})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return h.srv.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.world.LoadedChunks())
}

func TestMaxMessageSize_FitsWorstCaseChunk(t *testing.T) {
	ids := make([]uint16, 16*16*4)
	for i := range ids {
		// Alternating ids defeat run-length compression.
		ids[i] = uint16(60000 + i%2)
	}
	data := encoding.EncodeRLE(ids)
	msg, err := json.Marshal(protocol.ChunkLoadMsg{Type: protocol.TypeChunkLoad, CX: -100000, CZ: 100000, Encoding: protocol.EncodingRLE, Data: data})
	require.NoError(t, err)
	assert.LessOrEqual(t, int64(len(msg)), maxMessageSize(4))
}

func TestServer_TickAndDisconnectReleasesChunks(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.join(t)
	h.loadEmpty(t, conn, 2, 3)

	send(t, conn, protocol.TickMsg{Type: protocol.TypeTick, Tick: 42})
	require.Eventually(t, func() bool { return h.world.CurrentTick() == 42 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.world.IsLoaded(world.ChunkKey{CX: 2, CZ: 3}))
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !h.world.IsLoaded(world.ChunkKey{CX: 2, CZ: 3}) && h.srv.Sessions() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ChunkUnload(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.join(t)
	h.loadEmpty(t, conn, 0, 0)

	send(t, conn, protocol.ChunkUnloadMsg{Type: protocol.TypeChunkUnload, CX: 0, CZ: 0})
	require.Eventually(t, func() bool { return !h.world.IsLoaded(world.ChunkKey{}) }, 2*time.Second, 5*time.Millisecond)
	_, tracked := h.world.ChunkCounts(world.ChunkKey{})
	assert.False(t, tracked)
}
