package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/protocol"
	"chunkcap.ai/internal/sim/tuning"
	"chunkcap.ai/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	defaultOutQueue  = 256

	handshakeReadLimit = 64 * 1024
	envelopeReadLimit  = 4 * 1024
)

// maxMessageSize bounds an inbound frame: a worst-case RLE chunk (three id
// bytes plus one run byte per block), base64-expanded, plus the JSON
// envelope.
func maxMessageSize(height int) int64 {
	raw := int64(4 * 16 * 16 * height)
	return raw*4/3 + envelopeReadLimit
}

type Options struct {
	Logger     *zap.Logger
	Validator  *protocol.Validator
	RateLimits tuning.RateLimits
	OutQueue   int
	Metrics    *Metrics
}

type Server struct {
	world     *world.World
	log       *zap.Logger
	validator *protocol.Validator
	limits    tuning.RateLimits
	outQueue  int
	metrics   *Metrics

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(w *world.World, opts Options) (*Server, error) {
	v := opts.Validator
	if v == nil {
		var err error
		if v, err = protocol.NewValidator(); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limits := opts.RateLimits
	if limits.MessagesPerSec <= 0 || limits.Burst <= 0 {
		limits = tuning.Defaults().RateLimits
	}
	q := opts.OutQueue
	if q <= 0 {
		q = defaultOutQueue
	}
	return &Server{
		world:     w,
		log:       logger,
		validator: v,
		limits:    limits,
		outQueue:  q,
		metrics:   opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// Sessions is the number of connections past the handshake.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetReadLimit(handshakeReadLimit)
		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		conn.SetReadLimit(maxMessageSize(s.world.Height()))
		s.sessions.Add(1)
		s.metrics.connected(1)
		log := s.log.With(zap.String("session", sess.id), zap.String("host", sess.host))
		log.Info("session started")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.writeLoop(ctx, cancel)
		}()

		s.readLoop(ctx, sess, log)
		cancel()
		wg.Wait()

		released := sess.release(s.world)
		s.sessions.Add(-1)
		s.metrics.connected(-1)
		log.Info("session ended", zap.Int("chunks_released", released))
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := s.validator.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "expected HELLO"})
		closeWith(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoVersion, Message: "unsupported protocol_version " + hello.ProtocolVersion})
		closeWith(conn, "bad protocol_version")
		return nil
	}
	blocks := s.world.Blocks()
	if hello.PaletteDigest != "" && hello.PaletteDigest != blocks.PaletteDigest {
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "palette digest mismatch"})
		closeWith(conn, "palette mismatch")
		return nil
	}

	tune := s.world.Tuning()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		Params: protocol.WorldParams{
			ChunkSize:           16,
			Height:              s.world.Height(),
			Cap:                 s.world.Engine().Cap(),
			GateMode:            tune.GateMode,
			ReconcileEveryTicks: tune.ReconcileEveryTicks,
			TickRateHz:          tune.TickRateHz,
		},
		Palette: protocol.PaletteInfo{
			Digest: blocks.PaletteDigest,
			Count:  blocks.Len(),
			Blocks: blocks.Palette,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return &session{
		id:      welcome.SessionID,
		host:    hello.HostName,
		conn:    conn,
		out:     make(chan []byte, s.outQueue),
		rl:      rate.NewLimiter(rate.Limit(s.limits.MessagesPerSec), s.limits.Burst),
		chunks:  make(map[world.ChunkKey]struct{}),
		metrics: s.metrics,
	}
}

func (s *Server) readLoop(ctx context.Context, sess *session, log *zap.Logger) {
	for ctx.Err() == nil {
		_ = sess.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		if !sess.rl.Allow() {
			s.metrics.rateLimited()
			sess.send(protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrRateLimit, Message: "message rate exceeded"})
			continue
		}
		base, err := s.validator.Validate(msg)
		if err != nil {
			s.metrics.message("invalid")
			log.Debug("rejecting message", zap.Error(err))
			sess.send(protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
			continue
		}
		s.metrics.message(base.Type)
		s.dispatch(sess, base.Type, msg)
	}
}

func (s *Server) dispatch(sess *session, typ string, msg []byte) {
	switch typ {
	case protocol.TypeChunkLoad:
		var m protocol.ChunkLoadMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			sess.badRequest("", err)
			return
		}
		s.handleChunkLoad(sess, m)

	case protocol.TypeChunkUnload:
		var m protocol.ChunkUnloadMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			sess.badRequest("", err)
			return
		}
		k := world.ChunkKey{CX: m.CX, CZ: m.CZ}
		s.world.UnloadChunk(k)
		delete(sess.chunks, k)

	case protocol.TypePlace:
		var m protocol.PlaceMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			sess.badRequest("", err)
			return
		}
		sess.send(s.handlePlace(sess, m))

	case protocol.TypeBreak:
		var m protocol.BreakMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			sess.badRequest("", err)
			return
		}
		sess.send(s.handleBreak(sess, m))

	case protocol.TypeTick:
		var m protocol.TickMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			sess.badRequest("", err)
			return
		}
		s.world.HostTick(m.Tick)

	default:
		sess.send(protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: fmt.Sprintf("unexpected message type %q", typ)})
	}
}

func (s *Server) handleChunkLoad(sess *session, m protocol.ChunkLoadMsg) {
	k := world.ChunkKey{CX: m.CX, CZ: m.CZ}
	var blocks []uint16
	if m.Data != "" {
		var err error
		blocks, err = decodeChunk(m, 16*16*s.world.Height())
		if err != nil {
			sess.badRequest("", err)
			return
		}
	}
	digest, err := s.world.LoadChunk(k, blocks)
	if err != nil {
		sess.send(errorFor("", err))
		return
	}
	sess.chunks[k] = struct{}{}
	sess.send(protocol.ChunkLoadedMsg{Type: protocol.TypeChunkLoaded, CX: m.CX, CZ: m.CZ, Digest: digest})
}

func (s *Server) handlePlace(sess *session, m protocol.PlaceMsg) protocol.PlaceResultMsg {
	out := protocol.PlaceResultMsg{
		Type:    protocol.TypePlaceResult,
		ID:      m.ID,
		Verdict: protocol.VerdictRejected,
		Pos:     m.Pos,
		Block:   m.Block,
	}
	actor := m.Actor
	if actor == "" {
		actor = sess.host
	}
	res, err := s.world.PlaceBlock(world.PlaceRequest{
		Pos:       m.Pos,
		Block:     m.Block,
		ActorKind: world.ActorKind(m.ActorKind),
		Actor:     actor,
		Session:   sess.id,
	})
	if err != nil {
		e := errorFor(m.ID, err)
		out.Code, out.Message = e.Code, e.Message
		return out
	}
	out.Count, out.Cap = res.Count, res.Cap
	if res.Verdict == limiter.Accepted {
		out.Verdict = protocol.VerdictAccepted
	} else {
		out.Code = protocol.ErrCapReached
		out.Message = fmt.Sprintf("%s limit of %d reached in chunk %s", m.Block, res.Cap, res.Chunk)
	}
	return out
}

func (s *Server) handleBreak(sess *session, m protocol.BreakMsg) protocol.BreakResultMsg {
	out := protocol.BreakResultMsg{Type: protocol.TypeBreakResult, ID: m.ID, Pos: m.Pos}
	actor := m.Actor
	if actor == "" {
		actor = sess.host
	}
	res, err := s.world.BreakBlock(world.BreakRequest{Pos: m.Pos, Actor: actor, Session: sess.id})
	if err != nil {
		e := errorFor(m.ID, err)
		out.Code, out.Message = e.Code, e.Message
		return out
	}
	out.OK = true
	out.Block = res.Block
	return out
}

// errorFor maps world errors onto protocol codes.
func errorFor(id string, err error) protocol.ErrorMsg {
	code := protocol.ErrInternal
	switch {
	case errors.Is(err, world.ErrUnknownBlock):
		code = protocol.ErrUnknownBlock
	case errors.Is(err, world.ErrNotPlaceable), errors.Is(err, world.ErrOutOfBounds):
		code = protocol.ErrInvalidTarget
	case errors.Is(err, world.ErrChunkNotLoaded):
		code = protocol.ErrChunkNotLoaded
	case errors.Is(err, world.ErrOccupied):
		code = protocol.ErrOccupied
	case errors.Is(err, errBadChunk):
		code = protocol.ErrBadRequest
	}
	return protocol.ErrorMsg{Type: protocol.TypeError, ID: id, Code: code, Message: err.Error()}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
