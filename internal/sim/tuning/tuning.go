// Package tuning loads server parameters from tuning.yaml with CHUNKCAP_*
// environment overrides.
package tuning

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"chunkcap.ai/internal/limiter"
	genpkg "chunkcap.ai/internal/sim/terrain/gen"
)

const EnvPrefix = "CHUNKCAP_"

const maxFileSize = 1 << 20

type Tuning struct {
	ProtocolVersion string `koanf:"protocol_version"`

	Cap                 int64  `koanf:"cap"`
	ReconcileEveryTicks uint64 `koanf:"reconcile_every_ticks"`
	TickRateHz          int    `koanf:"tick_rate_hz"`
	GateMode            string `koanf:"gate_mode"`
	ClampRemovals       bool   `koanf:"clamp_removals"`
	ScanWorkers         int    `koanf:"scan_workers"`
	ScanQueue           int    `koanf:"scan_queue"`
	ChunkHeight         int    `koanf:"chunk_height"`

	RateLimits RateLimits `koanf:"rate_limits"`
	Log        Log        `koanf:"log"`
	WorldGen   WorldGen   `koanf:"world_gen"`
}

type RateLimits struct {
	MessagesPerSec float64 `koanf:"messages_per_sec"`
	Burst          int     `koanf:"burst"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type WorldGen struct {
	Seed                            int64 `koanf:"seed"`
	BoundaryR                       int   `koanf:"boundary_r"`
	BiomeRegionSize                 int   `koanf:"biome_region_size"`
	SpawnClearRadius                int   `koanf:"spawn_clear_radius"`
	OreClusterProbScalePermille     int   `koanf:"ore_cluster_prob_scale_permille"`
	TerrainClusterProbScalePermille int   `koanf:"terrain_cluster_prob_scale_permille"`
	SprinkleStonePermille           int   `koanf:"sprinkle_stone_permille"`
	SprinkleDirtPermille            int   `koanf:"sprinkle_dirt_permille"`
	SprinkleLogPermille             int   `koanf:"sprinkle_log_permille"`
	MaxTrunk                        int   `koanf:"max_trunk"`
}

func Defaults() Tuning {
	gp := genpkg.DefaultParams(1337)
	return Tuning{
		ProtocolVersion:     "1.0",
		Cap:                 limiter.DefaultCap,
		ReconcileEveryTicks: limiter.DefaultReconcileEveryTicks,
		TickRateHz:          20,
		GateMode:            string(limiter.GateStrict),
		ClampRemovals:       true,
		ScanWorkers:         limiter.DefaultScanWorkers,
		ScanQueue:           limiter.DefaultScanQueue,
		ChunkHeight:         16,
		RateLimits:          RateLimits{MessagesPerSec: 200, Burst: 400},
		Log:                 Log{Level: "info", Format: "json"},
		WorldGen: WorldGen{
			Seed:                            gp.Seed,
			BiomeRegionSize:                 gp.BiomeRegionSize,
			SpawnClearRadius:                gp.SpawnClearRadius,
			OreClusterProbScalePermille:     gp.OreClusterProbScalePermille,
			TerrainClusterProbScalePermille: gp.TerrainClusterProbScalePermille,
			SprinkleStonePermille:           gp.SprinkleStonePermille,
			SprinkleDirtPermille:            gp.SprinkleDirtPermille,
			SprinkleLogPermille:             gp.SprinkleLogPermille,
			MaxTrunk:                        gp.MaxTrunk,
		},
	}
}

// Load reads path (optional; "" skips the file) and applies environment
// overrides. Precedence: env > file > Defaults.
func Load(path string) (Tuning, error) {
	var raw []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Tuning{}, err
		}
		if info.Size() > maxFileSize {
			return Tuning{}, fmt.Errorf("tuning.yaml: %d bytes exceeds limit", info.Size())
		}
		if raw, err = os.ReadFile(path); err != nil {
			return Tuning{}, err
		}
	}
	return Parse(raw)
}

// Parse builds a Tuning from YAML bytes overlaid by CHUNKCAP_* variables
// from the process environment.
func Parse(raw []byte) (Tuning, error) {
	k := koanf.New(".")
	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return Tuning{}, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Tuning{}, fmt.Errorf("tuning env: %w", err)
	}

	t := Defaults()
	if err := k.Unmarshal("", &t); err != nil {
		return Tuning{}, fmt.Errorf("tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

var sections = []string{"rate_limits", "world_gen", "log"}

// envKey maps CHUNKCAP_RATE_LIMITS_BURST to rate_limits.burst and
// CHUNKCAP_SCAN_WORKERS to scan_workers.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

func (t Tuning) Validate() error {
	if t.Cap <= 0 {
		return fmt.Errorf("tuning: cap must be positive, got %d", t.Cap)
	}
	if _, err := limiter.ParseGateMode(t.GateMode); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	if t.ReconcileEveryTicks == 0 {
		return fmt.Errorf("tuning: reconcile_every_ticks must be positive")
	}
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		return fmt.Errorf("tuning: tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.ScanWorkers <= 0 || t.ScanQueue <= 0 {
		return fmt.Errorf("tuning: scan_workers and scan_queue must be positive")
	}
	if t.ChunkHeight <= 0 || t.ChunkHeight > 256 {
		return fmt.Errorf("tuning: chunk_height out of range: %d", t.ChunkHeight)
	}
	if t.RateLimits.MessagesPerSec <= 0 || t.RateLimits.Burst <= 0 {
		return fmt.Errorf("tuning: rate_limits must be positive")
	}
	switch t.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("tuning: log.format must be json or console, got %q", t.Log.Format)
	}
	return nil
}

func (t Tuning) EngineConfig() limiter.Config {
	return limiter.Config{
		Cap:                 t.Cap,
		Mode:                limiter.GateMode(t.GateMode),
		ClampRemovals:       t.ClampRemovals,
		ReconcileEveryTicks: t.ReconcileEveryTicks,
		ScanWorkers:         t.ScanWorkers,
		ScanQueue:           t.ScanQueue,
	}
}

func (t Tuning) GenParams() genpkg.Params {
	w := t.WorldGen
	return genpkg.Params{
		Seed:                            w.Seed,
		BiomeRegionSize:                 w.BiomeRegionSize,
		SpawnClearRadius:                w.SpawnClearRadius,
		OreClusterProbScalePermille:     w.OreClusterProbScalePermille,
		TerrainClusterProbScalePermille: w.TerrainClusterProbScalePermille,
		SprinkleStonePermille:           w.SprinkleStonePermille,
		SprinkleDirtPermille:            w.SprinkleDirtPermille,
		SprinkleLogPermille:             w.SprinkleLogPermille,
		MaxTrunk:                        w.MaxTrunk,
	}
}
