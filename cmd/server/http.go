package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/persistence/indexdb"
	"chunkcap.ai/internal/persistence/r2s3"
	"chunkcap.ai/internal/sim/world"
	"chunkcap.ai/internal/transport/ws"
)

type muxDeps struct {
	world    *world.World
	ws       *ws.Server
	registry *prometheus.Registry
	index    *indexdb.SQLiteIndex
	mirror   *r2s3.Mirror
	log      *zap.Logger
	admin    bool
	pprof    bool
}

type stateResponse struct {
	Tick     uint64         `json:"tick"`
	Sessions int64          `json:"sessions"`
	Metrics  world.Metrics  `json:"metrics"`
	Index    *indexdb.Stats `json:"index,omitempty"`
	Mirror   *r2s3.Stats    `json:"mirror,omitempty"`
}

type chunkResponse struct {
	CX      int              `json:"cx"`
	CZ      int              `json:"cz"`
	Loaded  bool             `json:"loaded"`
	Tracked bool             `json:"tracked"`
	Counts  map[string]int64 `json:"counts,omitempty"`
}

type reconcileResponse struct {
	OK       bool    `json:"ok"`
	Tick     uint64  `json:"tick"`
	Scanned  int     `json:"scanned,omitempty"`
	Replaced int     `json:"replaced,omitempty"`
	Drift    int64   `json:"drift,omitempty"`
	TookMS   float64 `json:"took_ms,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func newMux(d muxDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))

	if d.admin {
		mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			resp := stateResponse{
				Tick:     d.world.CurrentTick(),
				Sessions: d.ws.Sessions(),
				Metrics:  d.world.Metrics(),
			}
			if d.index != nil {
				st := d.index.Stats()
				resp.Index = &st
			}
			if d.mirror != nil {
				st := d.mirror.Stats()
				resp.Mirror = &st
			}
			writeJSON(rw, http.StatusOK, resp)
		}))
		mux.HandleFunc("/admin/v1/chunk", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			cx, err1 := strconv.Atoi(r.URL.Query().Get("cx"))
			cz, err2 := strconv.Atoi(r.URL.Query().Get("cz"))
			if err1 != nil || err2 != nil {
				http.Error(rw, "cx and cz are required integers", http.StatusBadRequest)
				return
			}
			k := world.ChunkKey{CX: cx, CZ: cz}
			counts, tracked := d.world.ChunkCounts(k)
			writeJSON(rw, http.StatusOK, chunkResponse{CX: cx, CZ: cz, Loaded: d.world.IsLoaded(k), Tracked: tracked, Counts: counts})
		}))
		mux.HandleFunc("/admin/v1/reconcile", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel2()
			rep, err := d.world.ReconcileNow(ctx2)
			if err != nil {
				status := http.StatusServiceUnavailable
				if errors.Is(err, limiter.ErrPassInProgress) {
					status = http.StatusConflict
				}
				writeJSON(rw, status, reconcileResponse{Tick: d.world.CurrentTick(), Error: err.Error()})
				return
			}
			d.log.Info("manual reconciliation", zap.Int("scanned", rep.Scanned), zap.Int64("drift", rep.TotalDrift()))
			writeJSON(rw, http.StatusOK, reconcileResponse{
				OK:       true,
				Tick:     rep.Tick,
				Scanned:  rep.Scanned,
				Replaced: rep.Replaced,
				Drift:    rep.TotalDrift(),
				TookMS:   float64(rep.Duration.Microseconds()) / 1000,
			})
		}))
		mux.HandleFunc("/admin/v1/cap", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			n, err := strconv.ParseInt(r.URL.Query().Get("value"), 10, 64)
			if err == nil {
				err = d.world.SetCap(n)
			}
			if err != nil {
				http.Error(rw, "value must be a positive integer", http.StatusBadRequest)
				return
			}
			d.log.Info("cap changed via admin", zap.Int64("cap", n))
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "cap": n})
		}))
	} else {
		d.log.Info("admin endpoints disabled (CHUNKCAP_ENABLE_ADMIN_HTTP=false)")
	}
	if d.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", d.ws.Handler())
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
