package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/sim/catalogs"
	"chunkcap.ai/internal/sim/tuning"
	"chunkcap.ai/internal/sim/world"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqAudit}

	_ = s.WriteAudit(world.AuditEntry{Tick: 2})
	s.RecordPass(limiter.PassReport{Tick: 2})

	st := s.Stats()
	if st.DropAuditTotal != 1 {
		t.Fatalf("DropAuditTotal=%d want=1", st.DropAuditTotal)
	}
	if st.DropPassTotal != 1 {
		t.Fatalf("DropPassTotal=%d want=1", st.DropPassTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func openReader(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteIndex_RecordPassWritesDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordPass(limiter.PassReport{Tick: 12000, StartedAt: time.Now(), Scanned: 2})
	idx.RecordPass(limiter.PassReport{
		Tick:      24000,
		StartedAt: time.Now(),
		Scanned:   2,
		Replaced:  1,
		Vanished:  []limiter.RegionKey{{CX: 9, CZ: 9}},
		Drift: []limiter.RegionDrift{{
			Region: limiter.RegionKey{CX: 3, CZ: -2},
			Before: map[limiter.Category]int64{4: 12, 5: 1},
			After:  map[limiter.Category]int64{4: 9, 5: 1, 7: 2},
		}},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	passes, err := RecentPasses(ctx, db, 10)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("passes=%d want=2", len(passes))
	}
	if passes[0].Tick != 24000 || passes[0].TotalDrift != 5 || passes[0].Vanished != 1 {
		t.Fatalf("newest pass mismatch: %+v", passes[0])
	}

	rows, err := ChunkDrift(ctx, db, 3, -2, 10)
	if err != nil {
		t.Fatalf("ChunkDrift: %v", err)
	}
	// Block 5 did not change and is not stored.
	if len(rows) != 2 {
		t.Fatalf("drift rows=%d want=2: %+v", len(rows), rows)
	}
	if rows[0].Block != 4 || rows[0].Before != 12 || rows[0].After != 9 || rows[0].Tick != 24000 {
		t.Fatalf("row 0 mismatch: %+v", rows[0])
	}
	if rows[1].Block != 7 || rows[1].Before != 0 || rows[1].After != 2 {
		t.Fatalf("row 1 mismatch: %+v", rows[1])
	}

	top, err := TopDrift(ctx, db, 1)
	if err != nil {
		t.Fatalf("TopDrift: %v", err)
	}
	if len(top) != 1 || top[0].Block != 4 {
		t.Fatalf("top drift mismatch: %+v", top)
	}
}

func TestSQLiteIndex_WriteAuditAndRejections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = idx.WriteAudit(world.AuditEntry{Tick: 1, Session: "s1", Actor: "p1", Action: world.ActionPlace, Chunk: [2]int{0, 0}, Block: "BRICK", To: 8, Verdict: "accepted", Count: 10})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 2, Session: "s1", Actor: "p1", Action: world.ActionPlace, Chunk: [2]int{0, 0}, Block: "BRICK", Verdict: "rejected", Count: 10, Reason: "cap reached"})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 3, Actor: "p2", Action: world.ActionBreak, Chunk: [2]int{0, 0}, Block: "BRICK", From: 8, Count: 9})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db := openReader(t, path)
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audits`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("audits=%d want=3", n)
	}

	rej, err := RecentRejections(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("RecentRejections: %v", err)
	}
	if len(rej) != 1 || rej[0].Tick != 2 || rej[0].Actor != "p1" || rej[0].Count != 10 {
		t.Fatalf("rejections mismatch: %+v", rej)
	}
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	blocks := catalogs.Default()
	if err := idx.UpsertCatalogs(blocks, tuning.Defaults()); err != nil {
		t.Fatalf("UpsertCatalogs: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer db.Close()
	var digest string
	if err := db.QueryRow(`SELECT digest FROM catalogs WHERE name='blocks_palette'`).Scan(&digest); err != nil {
		t.Fatalf("select: %v", err)
	}
	if digest != blocks.PaletteDigest {
		t.Fatalf("digest=%q want=%q", digest, blocks.PaletteDigest)
	}
	var names int
	if err := db.QueryRow(`SELECT COUNT(*) FROM catalogs`).Scan(&names); err != nil {
		t.Fatalf("count: %v", err)
	}
	if names != 3 {
		t.Fatalf("catalog rows=%d want=3", names)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatalf("expected error")
	}
}
