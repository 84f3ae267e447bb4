package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/logging"
	persistlog "chunkcap.ai/internal/persistence/log"
	"chunkcap.ai/internal/sim/catalogs"
	"chunkcap.ai/internal/sim/tuning"
	"chunkcap.ai/internal/sim/world"
	"chunkcap.ai/internal/transport/ws"
)

type serverFlags struct {
	addr       string
	configDir  string
	tuningPath string
	blocksPath string
	dataDir    string
	disableDB  bool
	watch      bool
	driftAll   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:          "chunkcap-server",
		Short:         "Per-chunk block placement cap server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return run(ctx, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", ":8080", "http listen address")
	fl.StringVar(&f.configDir, "configs", "./configs", "config directory")
	fl.StringVar(&f.tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	fl.StringVar(&f.blocksPath, "blocks", "", "path to blocks.yaml (default: <configs>/blocks.yaml if present, else built-in)")
	fl.StringVar(&f.dataDir, "data", "./data", "runtime data directory")
	fl.BoolVar(&f.disableDB, "disable_db", false, "disable the SQLite index")
	fl.BoolVar(&f.watch, "watch", true, "reload the cap when tuning.yaml changes")
	fl.BoolVar(&f.driftAll, "log_clean_passes", false, "write reconciliation passes without drift to the drift log")
	return cmd
}

func run(ctx context.Context, f serverFlags) error {
	tp := strings.TrimSpace(f.tuningPath)
	if tp == "" {
		tp = filepath.Join(f.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	defaulted := false
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load tuning: %w", err)
		}
		// Defaults plus environment overrides.
		if tune, err = tuning.Load(""); err != nil {
			return fmt.Errorf("load tuning: %w", err)
		}
		defaulted = true
	}

	logger, err := logging.New(tune.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if defaulted {
		logger.Info("tuning not found; using defaults", zap.String("path", tp))
	}

	bp := strings.TrimSpace(f.blocksPath)
	if bp == "" {
		if p := filepath.Join(f.configDir, "blocks.yaml"); fileExists(p) {
			bp = p
		}
	}
	blocks, err := catalogs.Load(bp)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	idx, err := openRuntimeIndex(f.dataDir, f.disableDB)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(blocks, tune); err != nil {
			logger.Warn("index: upsert catalogs", zap.Error(err))
		}
	}

	// Registered before the loggers so their final files are queued before
	// the mirror drains.
	mirror, err := buildArchiveMirror(f.dataDir, logger.Named("mirror"))
	if err != nil {
		return err
	}
	defer mirror.Close()

	auditLog := persistlog.NewAuditLogger(f.dataDir)
	defer auditLog.Close()
	driftLog := persistlog.NewDriftLogger(f.dataDir, f.driftAll, func(err error) {
		logger.Warn("drift log write failed", zap.Error(err))
	})
	defer driftLog.Close()
	if mirror != nil {
		auditLog.OnClosed(mirror.Enqueue)
		driftLog.OnClosed(mirror.Enqueue)
	}

	opts := world.Options{
		Logger:     logger,
		Metrics:    limiter.NewMetrics(reg),
		Audit:      []world.AuditLogger{auditLog},
		DriftSinks: []limiter.DriftSink{driftLog},
	}
	if idx != nil {
		opts.Audit = append(opts.Audit, idx)
		opts.DriftSinks = append(opts.DriftSinks, idx)
	}
	w, err := world.New(tune, blocks, opts)
	if err != nil {
		return fmt.Errorf("world: %w", err)
	}
	defer w.Close()

	wsSrv, err := ws.NewServer(w, ws.Options{
		Logger:     logger.Named("ws"),
		RateLimits: tune.RateLimits,
		Metrics:    ws.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("ws: %w", err)
	}

	srv := &http.Server{
		Addr: f.addr,
		Handler: newMux(muxDeps{
			world:    w,
			ws:       wsSrv,
			registry: reg,
			index:    idx,
			mirror:   mirror,
			log:      logger,
			admin:    envBool("CHUNKCAP_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
			pprof:    envBool("CHUNKCAP_ENABLE_PPROF_HTTP", false),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if f.watch && fileExists(tp) {
		g.Go(func() error {
			return tuning.Watch(gctx, tp, logger.Named("tuning"), func(t tuning.Tuning) {
				if err := w.SetCap(t.Cap); err != nil {
					logger.Warn("cap reload rejected", zap.Error(err))
				}
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", f.addr),
			zap.Int64("cap", tune.Cap),
			zap.String("gate_mode", tune.GateMode),
			zap.Uint64("reconcile_every_ticks", tune.ReconcileEveryTicks),
			zap.String("palette_digest", blocks.PaletteDigest))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
