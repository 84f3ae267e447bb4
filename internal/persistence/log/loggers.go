package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/sim/world"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu       sync.Mutex
	curHour  string
	curPath  string
	onClosed func(path string)
	f        *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   uint64
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return w.w.Flush()
}

// OnClosed registers fn to receive the path of every hourly file once it is
// finalized, by rotation or Close.
func (w *JSONLZstdWriter) OnClosed(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClosed = fn
}

// Lines is the number of entries written since the writer was created.
func (w *JSONLZstdWriter) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if w.curPath != "" && w.onClosed != nil && err1 == nil {
		w.onClosed(w.curPath)
	}
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// AuditLogger writes one compressed JSONL entry per placement verdict or
// removal.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v world.AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) OnClosed(fn func(path string))       { l.w.OnClosed(fn) }
func (l *AuditLogger) Close() error                        { return l.w.Close() }

// DriftEntry is the logged form of a reconciliation pass.
type DriftEntry struct {
	Tick       uint64       `json:"tick"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS float64      `json:"duration_ms"`
	Scanned    int          `json:"scanned"`
	Replaced   int          `json:"replaced"`
	Skipped    [][2]int     `json:"skipped,omitempty"`
	Failed     [][2]int     `json:"failed,omitempty"`
	Vanished   [][2]int     `json:"vanished,omitempty"`
	TotalDrift int64        `json:"total_drift"`
	Chunks     []ChunkDrift `json:"chunks,omitempty"`
}

type ChunkDrift struct {
	Chunk  [2]int           `json:"chunk"`
	Before map[uint16]int64 `json:"before"`
	After  map[uint16]int64 `json:"after"`
	Delta  int64            `json:"delta"`
}

func NewDriftEntry(p limiter.PassReport) DriftEntry {
	e := DriftEntry{
		Tick:       p.Tick,
		StartedAt:  p.StartedAt.UTC(),
		DurationMS: float64(p.Duration.Microseconds()) / 1000,
		Scanned:    p.Scanned,
		Replaced:   p.Replaced,
		Skipped:    keyPairs(p.Skipped),
		Failed:     keyPairs(p.Failed),
		Vanished:   keyPairs(p.Vanished),
		TotalDrift: p.TotalDrift(),
	}
	for _, d := range p.Drift {
		e.Chunks = append(e.Chunks, ChunkDrift{
			Chunk:  [2]int{d.Region.CX, d.Region.CZ},
			Before: byID(d.Before),
			After:  byID(d.After),
			Delta:  d.Delta(),
		})
	}
	return e
}

func keyPairs(keys []limiter.RegionKey) [][2]int {
	if len(keys) == 0 {
		return nil
	}
	out := make([][2]int, len(keys))
	for i, k := range keys {
		out[i] = [2]int{k.CX, k.CZ}
	}
	return out
}

func byID(m map[limiter.Category]int64) map[uint16]int64 {
	out := make(map[uint16]int64, len(m))
	for c, n := range m {
		out[uint16(c)] = n
	}
	return out
}

// DriftLogger records reconciliation passes. Passes without drift are
// skipped unless all is set.
type DriftLogger struct {
	w   *JSONLZstdWriter
	all bool
	log func(error)
}

func NewDriftLogger(dataDir string, all bool, onErr func(error)) *DriftLogger {
	if onErr == nil {
		onErr = func(error) {}
	}
	return &DriftLogger{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "drift"), "drift"),
		all: all,
		log: onErr,
	}
}

// RecordPass implements limiter.DriftSink.
func (l *DriftLogger) RecordPass(p limiter.PassReport) {
	if !l.all && len(p.Drift) == 0 {
		return
	}
	if err := l.w.Write(NewDriftEntry(p)); err != nil {
		l.log(err)
	}
}

func (l *DriftLogger) OnClosed(fn func(path string)) { l.w.OnClosed(fn) }
func (l *DriftLogger) Close() error                  { return l.w.Close() }
