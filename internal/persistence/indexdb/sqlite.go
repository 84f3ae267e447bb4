package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/sim/catalogs"
	"chunkcap.ai/internal/sim/tuning"
	"chunkcap.ai/internal/sim/world"
)

const defaultQueue = 65536

// SQLiteIndex is a queryable secondary index of audit entries and
// reconciliation passes. Writes are queued and applied by one goroutine; when
// the queue is full the entry is dropped and counted.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit  atomic.Uint64
	dropPass   atomic.Uint64
	writeFails atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqPass
)

type req struct {
	kind reqKind

	audit world.AuditEntry
	pass  limiter.PassReport
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropAuditTotal uint64 `json:"drop_audit_total"`
	DropPassTotal  uint64 `json:"drop_pass_total"`
	WriteFailTotal uint64 `json:"write_fail_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueue)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			session TEXT,
			actor TEXT,
			actor_kind TEXT,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			block TEXT NOT NULL,
			from_block INTEGER NOT NULL,
			to_block INTEGER NOT NULL,
			verdict TEXT,
			count INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_chunk_tick ON audits(cx, cz, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_verdict_tick ON audits(verdict, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
		`CREATE TABLE IF NOT EXISTS passes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			scanned INTEGER NOT NULL,
			replaced INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			vanished INTEGER NOT NULL,
			total_drift INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_passes_tick ON passes(tick);`,
		`CREATE TABLE IF NOT EXISTS drift (
			pass_id INTEGER NOT NULL REFERENCES passes(id) ON DELETE CASCADE,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			block INTEGER NOT NULL,
			count_before INTEGER NOT NULL,
			count_after INTEGER NOT NULL,
			PRIMARY KEY (pass_id, cx, cz, block)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drift_chunk ON drift(cx, cz);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteAudit implements world.AuditLogger.
func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		// The JSONL audit log stays the source of truth.
		s.dropAudit.Add(1)
	}
	return nil
}

// RecordPass implements limiter.DriftSink.
func (s *SQLiteIndex) RecordPass(p limiter.PassReport) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqPass, pass: p}:
	default:
		s.dropPass.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropAuditTotal: s.dropAudit.Load(),
		DropPassTotal:  s.dropPass.Load(),
		WriteFailTotal: s.writeFails.Load(),
	}
}

// UpsertCatalogs stores the active palette and the applied tuning so rows in
// audits and drift can be decoded offline.
func (s *SQLiteIndex) UpsertCatalogs(blocks *catalogs.BlockCatalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b, _ := json.Marshal(blocks.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "blocks_palette", digest: blocks.PaletteDigest, json: b})
	}
	if b, _ := json.Marshal(blocks.Defs); len(b) > 0 {
		rows = append(rows, kv{name: "blocks_defs", digest: blocks.DefsDigest, json: b})
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(tick,session,actor,actor_kind,action,x,y,z,cx,cz,block,from_block,to_block,verdict,count,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertPass, _ := s.db.Prepare(`INSERT INTO passes(tick,started_at,duration_ms,scanned,replaced,skipped,failed,vanished,total_drift) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertDrift, _ := s.db.Prepare(`INSERT OR REPLACE INTO drift(pass_id,cx,cz,block,count_before,count_after) VALUES(?,?,?,?,?,?)`)
	stmts := loopStmts{audit: insertAudit, pass: insertPass, drift: insertDrift}
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertPass, insertDrift} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFails.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFails.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	ticker := time.NewTicker(commitMaxWait / 4)
	defer ticker.Stop()

	for {
		var r req
		select {
		case <-ticker.C:
			flushIfNeeded()
			continue
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		}

		begin()
		if tx == nil {
			s.writeFails.Add(1)
			continue
		}
		s.apply(tx, r, stmts, &opCount, rollback)
		flushIfNeeded()
	}
}

type loopStmts struct {
	audit, pass, drift *sql.Stmt
}

func (s *SQLiteIndex) apply(tx *sql.Tx, r req, st loopStmts, opCount *int, rollback func()) {
	switch r.kind {
	case reqAudit:
		if st.audit == nil {
			return
		}
		a := r.audit
		raw, _ := json.Marshal(a)
		if _, err := tx.Stmt(st.audit).Exec(
			int64(a.Tick),
			a.Session,
			a.Actor,
			a.ActorKind,
			a.Action,
			a.Pos[0], a.Pos[1], a.Pos[2],
			a.Chunk[0], a.Chunk[1],
			a.Block,
			int64(a.From),
			int64(a.To),
			a.Verdict,
			a.Count,
			a.Reason,
			string(raw),
		); err != nil {
			rollback()
			return
		}
		*opCount++

	case reqPass:
		if st.pass == nil || st.drift == nil {
			return
		}
		p := r.pass
		res, err := tx.Stmt(st.pass).Exec(
			int64(p.Tick),
			p.StartedAt.UTC().Format(time.RFC3339Nano),
			float64(p.Duration.Microseconds())/1000,
			p.Scanned,
			p.Replaced,
			len(p.Skipped),
			len(p.Failed),
			len(p.Vanished),
			p.TotalDrift(),
		)
		if err != nil {
			rollback()
			return
		}
		*opCount++
		passID, err := res.LastInsertId()
		if err != nil {
			rollback()
			return
		}
		if !writeDrift(tx.Stmt(st.drift), passID, p.Drift, opCount) {
			rollback()
		}
	}
}

func writeDrift(stmt *sql.Stmt, passID int64, drift []limiter.RegionDrift, ops *int) bool {
	for _, d := range drift {
		seen := make(map[limiter.Category]bool, len(d.After)+len(d.Before))
		for c := range d.After {
			seen[c] = true
		}
		for c := range d.Before {
			seen[c] = true
		}
		for c := range seen {
			before, after := d.Before[c], d.After[c]
			if before == after {
				continue
			}
			if _, err := stmt.Exec(passID, d.Region.CX, d.Region.CZ, int64(c), before, after); err != nil {
				return false
			}
			*ops++
		}
	}
	return true
}
