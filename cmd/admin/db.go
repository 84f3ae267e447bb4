package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chunkcap.ai/internal/persistence/indexdb"
)

// dbCmd queries the runtime SQLite index: passes, drift, top_drift or
// rejections.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	chunk := fs.String("chunk", "", "chunk for the drift query: cx,cz")
	_ = fs.Parse(args)

	q := "passes"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "chunkcap.sqlite")
	}

	db, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out any
	switch q {
	case "passes":
		out, err = indexdb.RecentPasses(ctx, db, *limit)
	case "drift":
		c, perr := parseChunk(*chunk)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "drift needs -chunk cx,cz:", perr)
			os.Exit(2)
		}
		out, err = indexdb.ChunkDrift(ctx, db, c[0], c[1], *limit)
	case "top_drift":
		out, err = indexdb.TopDrift(ctx, db, *limit)
	case "rejections":
		out, err = indexdb.RecentRejections(ctx, db, *limit)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want passes|drift|top_drift|rejections)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
