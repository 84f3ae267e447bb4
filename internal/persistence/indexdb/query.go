package indexdb

import (
	"context"
	"database/sql"
	"fmt"
)

// OpenReader opens path for queries alongside a running SQLiteIndex. WAL
// lets readers proceed while the writer holds a transaction.
func OpenReader(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type PassRow struct {
	ID         int64   `json:"id"`
	Tick       uint64  `json:"tick"`
	StartedAt  string  `json:"started_at"`
	DurationMS float64 `json:"duration_ms"`
	Scanned    int     `json:"scanned"`
	Replaced   int     `json:"replaced"`
	Skipped    int     `json:"skipped"`
	Failed     int     `json:"failed"`
	Vanished   int     `json:"vanished"`
	TotalDrift int64   `json:"total_drift"`
}

type DriftRow struct {
	PassID int64  `json:"pass_id"`
	Tick   uint64 `json:"tick"`
	CX     int    `json:"cx"`
	CZ     int    `json:"cz"`
	Block  uint16 `json:"block"`
	Before int64  `json:"before"`
	After  int64  `json:"after"`
}

type RejectionRow struct {
	Tick    uint64 `json:"tick"`
	Session string `json:"session"`
	Actor   string `json:"actor"`
	CX      int    `json:"cx"`
	CZ      int    `json:"cz"`
	Block   string `json:"block"`
	Count   int64  `json:"count"`
}

// RecentPasses returns up to limit passes, newest first.
func RecentPasses(ctx context.Context, db *sql.DB, limit int) ([]PassRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT id,tick,started_at,duration_ms,scanned,replaced,skipped,failed,vanished,total_drift
		FROM passes ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PassRow
	for rows.Next() {
		var r PassRow
		var tick int64
		if err := rows.Scan(&r.ID, &tick, &r.StartedAt, &r.DurationMS, &r.Scanned, &r.Replaced, &r.Skipped, &r.Failed, &r.Vanished, &r.TotalDrift); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChunkDrift returns drift rows for one chunk, newest pass first.
func ChunkDrift(ctx context.Context, db *sql.DB, cx, cz, limit int) ([]DriftRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT d.pass_id,p.tick,d.cx,d.cz,d.block,d.count_before,d.count_after
		FROM drift d JOIN passes p ON p.id = d.pass_id
		WHERE d.cx = ? AND d.cz = ?
		ORDER BY d.pass_id DESC, d.block ASC LIMIT ?`, cx, cz, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDrift(rows)
}

// TopDrift returns the rows with the largest corrections across all passes.
func TopDrift(ctx context.Context, db *sql.DB, limit int) ([]DriftRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT d.pass_id,p.tick,d.cx,d.cz,d.block,d.count_before,d.count_after
		FROM drift d JOIN passes p ON p.id = d.pass_id
		ORDER BY ABS(d.count_after - d.count_before) DESC, d.pass_id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDrift(rows)
}

func scanDrift(rows *sql.Rows) ([]DriftRow, error) {
	var out []DriftRow
	for rows.Next() {
		var r DriftRow
		var tick, block int64
		if err := rows.Scan(&r.PassID, &tick, &r.CX, &r.CZ, &block, &r.Before, &r.After); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		r.Block = uint16(block)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentRejections returns rejected placements, newest first.
func RecentRejections(ctx context.Context, db *sql.DB, limit int) ([]RejectionRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT tick,COALESCE(session,''),COALESCE(actor,''),cx,cz,block,count
		FROM audits WHERE action = 'PLACE' AND verdict = 'rejected'
		ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RejectionRow
	for rows.Next() {
		var r RejectionRow
		var tick int64
		if err := rows.Scan(&tick, &r.Session, &r.Actor, &r.CX, &r.CZ, &r.Block, &r.Count); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > 10000 {
		return 10000
	}
	return n
}
