package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chunkcap.ai/internal/protocol"
	"chunkcap.ai/internal/sim/encoding"
	"chunkcap.ai/internal/sim/world"
)

var errBadChunk = errors.New("bad chunk payload")

// session is one host connection. chunks is touched only by the read loop.
type session struct {
	id   string
	host string
	conn *websocket.Conn

	out     chan []byte
	rl      *rate.Limiter
	chunks  map[world.ChunkKey]struct{}
	metrics *Metrics
}

// send queues v for the writer. A full queue drops the message.
func (s *session) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.out <- b:
	default:
		s.metrics.outDropped()
	}
}

func (s *session) badRequest(id string, err error) {
	s.send(protocol.ErrorMsg{Type: protocol.TypeError, ID: id, Code: protocol.ErrBadRequest, Message: err.Error()})
}

func (s *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case b := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cancel()
				return
			}
		}
	}
}

// drain flushes whatever is already queued, best effort.
func (s *session) drain() {
	for {
		select {
		case b := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

// release unloads every chunk this session loaded.
func (s *session) release(w *world.World) int {
	n := 0
	for k := range s.chunks {
		if w.UnloadChunk(k) {
			n++
		}
	}
	s.chunks = nil
	return n
}

func decodeChunk(m protocol.ChunkLoadMsg, want int) ([]uint16, error) {
	if m.Encoding != "" && m.Encoding != protocol.EncodingRLE {
		return nil, fmt.Errorf("%w: unsupported encoding %q", errBadChunk, m.Encoding)
	}
	blocks, err := encoding.DecodeRLEN(m.Data, want)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadChunk, err)
	}
	return blocks, nil
}
