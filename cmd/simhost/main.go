package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/logging"
	"chunkcap.ai/internal/protocol"
	"chunkcap.ai/internal/sim/catalogs"
	"chunkcap.ai/internal/sim/encoding"
	genpkg "chunkcap.ai/internal/sim/terrain/gen"
	"chunkcap.ai/internal/sim/tuning"
)

type hostFlags struct {
	url        string
	name       string
	blocksPath string
	seed       int64
	radius     int
	rate       float64
	duration   time.Duration
	ticks      bool
	breakPct   int
	machinePct int
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f hostFlags
	cmd := &cobra.Command{
		Use:          "chunkcap-simhost",
		Short:        "Simulated world host: streams generated chunks and random place/break traffic",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if f.duration > 0 {
				var c2 context.CancelFunc
				ctx, c2 = context.WithTimeout(ctx, f.duration)
				defer c2()
			}
			return run(ctx, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.url, "url", "ws://localhost:8080/v1/ws", "server ws url")
	fl.StringVar(&f.name, "name", "simhost", "host name sent in HELLO")
	fl.StringVar(&f.blocksPath, "blocks", "", "blocks.yaml (default: built-in palette)")
	fl.Int64Var(&f.seed, "seed", 1337, "terrain seed")
	fl.IntVar(&f.radius, "radius", 1, "load chunks within this chunk radius of the origin")
	fl.Float64Var(&f.rate, "rate", 50, "place/break messages per second")
	fl.DurationVar(&f.duration, "duration", 0, "stop after this long (0 = until interrupted)")
	fl.BoolVar(&f.ticks, "ticks", true, "drive the server clock with TICK messages")
	fl.IntVar(&f.breakPct, "break_pct", 30, "percentage of actions that break a block")
	fl.IntVar(&f.machinePct, "machine_pct", 10, "percentage of placements made by machines")
	fl.StringVar(&f.logFormat, "log_format", "console", "json or console")
	return cmd
}

type pending struct {
	pos   [3]int
	block uint16
}

// host mirrors the chunks it streamed so it can aim placements at air and
// breaks at solid blocks.
type host struct {
	f      hostFlags
	log    *zap.Logger
	blocks *catalogs.BlockCatalog
	height int

	mu      sync.Mutex
	chunks  map[limiter.RegionKey][]uint16
	pending map[string]pending

	seq      atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
	broken   atomic.Uint64
	errors   atomic.Uint64
}

func run(ctx context.Context, f hostFlags) error {
	logger, err := logging.New(tuning.Log{Level: "info", Format: f.logFormat})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	blocks, err := catalogs.Load(f.blocksPath)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		HostName:        f.name,
		PaletteDigest:   blocks.PaletteDigest,
	}); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	var welcome protocol.WelcomeMsg
	if err := readTyped(conn, protocol.TypeWelcome, &welcome); err != nil {
		return err
	}
	logger.Info("WELCOME",
		zap.String("session", welcome.SessionID),
		zap.Int64("cap", welcome.Params.Cap),
		zap.String("gate_mode", welcome.Params.GateMode),
		zap.Int("height", welcome.Params.Height))

	h := &host{
		f:       f,
		log:     logger,
		blocks:  blocks,
		height:  welcome.Params.Height,
		chunks:  make(map[limiter.RegionKey][]uint16),
		pending: make(map[string]pending),
	}
	if err := h.streamChunks(conn); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(conn) })
	g.Go(func() error {
		defer conn.Close()
		return h.writeLoop(gctx, conn, welcome.Params.TickRateHz)
	})
	err = g.Wait()
	logger.Info("done",
		zap.Uint64("accepted", h.accepted.Load()),
		zap.Uint64("rejected", h.rejected.Load()),
		zap.Uint64("broken", h.broken.Load()),
		zap.Uint64("errors", h.errors.Load()))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func readTyped(conn *websocket.Conn, typ string, v any) error {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	if base.Type != typ {
		return fmt.Errorf("expected %s, got %s: %s", typ, base.Type, msg)
	}
	return json.Unmarshal(msg, v)
}

func (h *host) streamChunks(conn *websocket.Conn) error {
	tune := tuning.Defaults()
	tune.WorldGen.Seed = h.f.seed
	gen := genpkg.New(tune.GenParams())
	ids := h.blocks.IDFunc()

	for cx := -h.f.radius; cx <= h.f.radius; cx++ {
		for cz := -h.f.radius; cz <= h.f.radius; cz++ {
			col := gen.Column(cx, cz, h.height, ids)
			h.chunks[limiter.RegionKey{CX: cx, CZ: cz}] = col
			if err := conn.WriteJSON(protocol.ChunkLoadMsg{
				Type:     protocol.TypeChunkLoad,
				CX:       cx,
				CZ:       cz,
				Encoding: protocol.EncodingRLE,
				Data:     encoding.EncodeRLE(col),
			}); err != nil {
				return fmt.Errorf("send CHUNK_LOAD: %w", err)
			}
		}
	}
	h.log.Info("chunks streamed", zap.Int("count", len(h.chunks)))
	return nil
}

func (h *host) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypePlaceResult:
			var r protocol.PlaceResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			p := h.take(r.ID)
			switch {
			case r.Verdict == protocol.VerdictAccepted:
				h.accepted.Add(1)
				h.set(p.pos, p.block)
			case r.Code == protocol.ErrCapReached:
				h.rejected.Add(1)
				h.log.Debug("placement rejected", zap.Ints("pos", r.Pos[:]), zap.String("block", r.Block), zap.Int64("count", r.Count))
			default:
				h.errors.Add(1)
			}
		case protocol.TypeBreakResult:
			var r protocol.BreakResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			p := h.take(r.ID)
			if r.OK {
				h.broken.Add(1)
				h.set(p.pos, 0)
			} else {
				h.errors.Add(1)
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			h.errors.Add(1)
			h.log.Warn("server error", zap.String("code", e.Code), zap.String("message", e.Message))
		}
	}
}

func (h *host) writeLoop(ctx context.Context, conn *websocket.Conn, tickRateHz int) error {
	lim := rate.NewLimiter(rate.Limit(h.f.rate), 1)
	r := rand.New(rand.NewSource(h.f.seed ^ time.Now().UnixNano()))

	var tick uint64
	tickEvery := time.Second / time.Duration(max(tickRateHz, 1))
	lastTick := time.Now()
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		if h.f.ticks {
			for time.Since(lastTick) >= tickEvery {
				tick++
				lastTick = lastTick.Add(tickEvery)
				if err := conn.WriteJSON(protocol.TickMsg{Type: protocol.TypeTick, Tick: tick}); err != nil {
					return err
				}
			}
		}
		var msg any
		if r.Intn(100) < h.f.breakPct {
			msg = h.nextBreak(r)
		} else {
			msg = h.nextPlace(r)
		}
		if msg == nil {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
}

func (h *host) nextPlace(r *rand.Rand) any {
	pos, ok := h.pick(r, true)
	if !ok {
		return nil
	}
	// Skip AIR at index 0.
	if h.blocks.Len() < 2 {
		return nil
	}
	id := uint16(1 + r.Intn(h.blocks.Len()-1))
	name, _ := h.blocks.Name(id)
	kind := protocol.ActorPlayer
	if r.Intn(100) < h.f.machinePct {
		kind = protocol.ActorMachine
	}
	reqID := fmt.Sprintf("P%d", h.seq.Add(1))
	h.track(reqID, pending{pos: pos, block: id})
	return protocol.PlaceMsg{Type: protocol.TypePlace, ID: reqID, Pos: pos, Block: name, ActorKind: kind, Actor: fmt.Sprintf("player-%d", r.Intn(8))}
}

func (h *host) nextBreak(r *rand.Rand) any {
	pos, ok := h.pick(r, false)
	if !ok {
		return nil
	}
	reqID := fmt.Sprintf("B%d", h.seq.Add(1))
	h.track(reqID, pending{pos: pos})
	return protocol.BreakMsg{Type: protocol.TypeBreak, ID: reqID, Pos: pos}
}

// pick samples a few random positions looking for air (or for a solid block
// when wantAir is false).
func (h *host) pick(r *rand.Rand, wantAir bool) ([3]int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	span := 2*h.f.radius + 1
	for try := 0; try < 32; try++ {
		k := limiter.RegionKey{CX: r.Intn(span) - h.f.radius, CZ: r.Intn(span) - h.f.radius}
		col := h.chunks[k]
		if len(col) == 0 {
			continue
		}
		i := r.Intn(len(col))
		if (col[i] == 0) != wantAir {
			continue
		}
		lx, lz, y := i%16, (i/16)%16, i/256
		return [3]int{k.CX*16 + lx, y, k.CZ*16 + lz}, true
	}
	return [3]int{}, false
}

func (h *host) track(id string, p pending) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[id] = p
}

func (h *host) take(id string) pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pending[id]
	delete(h.pending, id)
	return p
}

func (h *host) set(pos [3]int, id uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := limiter.RegionOf(pos[0], pos[2])
	col := h.chunks[k]
	if col == nil {
		return
	}
	lx, lz := genpkg.Mod(pos[0], 16), genpkg.Mod(pos[2], 16)
	col[lx+lz*16+pos[1]*256] = id
}
