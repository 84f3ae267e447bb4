package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"chunkcap.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "chunk":
			chunkCmd(os.Args[2:])
			return
		case "reconcile":
			reconcileCmd(os.Args[2:])
			return
		case "cap":
			capCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	for _, sub := range []string{"audit", "drift", "index"} {
		entries, err := os.ReadDir(filepath.Join(*dataDir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			fmt.Println(filepath.Join(sub, e.Name()))
		}
	}
}

type auditFilter struct {
	sinceTick, toTick uint64
	chunk             *[2]int
	action            string
	verdict           string
	actor             string
}

func (f auditFilter) match(e world.AuditEntry) bool {
	if e.Tick < f.sinceTick || (f.toTick > 0 && e.Tick > f.toTick) {
		return false
	}
	if f.chunk != nil && e.Chunk != *f.chunk {
		return false
	}
	if f.action != "" && !strings.EqualFold(e.Action, f.action) {
		return false
	}
	if f.verdict != "" && !strings.EqualFold(e.Verdict, f.verdict) {
		return false
	}
	if f.actor != "" && e.Actor != f.actor {
		return false
	}
	return true
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, 0 = no limit)")
	chunk := fs.String("chunk", "", "chunk filter: cx,cz")
	action := fs.String("action", "", "PLACE or BREAK")
	verdict := fs.String("verdict", "", "accepted or rejected")
	actor := fs.String("actor", "", "actor filter")
	summary := fs.Bool("summary", false, "print per chunk and block totals instead of entries")
	_ = fs.Parse(args)

	f := auditFilter{
		sinceTick: *sinceTick,
		toTick:    *toTick,
		action:    strings.TrimSpace(*action),
		verdict:   strings.TrimSpace(*verdict),
		actor:     strings.TrimSpace(*actor),
	}
	if s := strings.TrimSpace(*chunk); s != "" {
		c, err := parseChunk(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -chunk:", err)
			os.Exit(2)
		}
		f.chunk = &c
	}

	recs, err := readAudit(filepath.Join(*dataDir, "audit"), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	if !*summary {
		for _, e := range recs {
			_ = enc.Encode(e)
		}
		return
	}
	enc.SetIndent("", "  ")
	_ = enc.Encode(summarize(recs))
}

// readAudit decodes every audit-*.jsonl.zst file in dir in name order, which
// is also hour order.
func readAudit(dir string, f auditFilter) ([]world.AuditEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []world.AuditEntry
	for _, name := range names {
		recs, err := readAuditFile(filepath.Join(dir, name), f)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out, nil
}

func readAuditFile(path string, f auditFilter) ([]world.AuditEntry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	dec, err := zstd.NewReader(fh)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []world.AuditEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e world.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

type chunkSummary struct {
	Chunk    [2]int           `json:"chunk"`
	Accepted int              `json:"accepted"`
	Rejected int              `json:"rejected"`
	Breaks   int              `json:"breaks"`
	ByBlock  map[string]int64 `json:"rejected_by_block,omitempty"`
}

func summarize(recs []world.AuditEntry) []chunkSummary {
	idx := map[[2]int]*chunkSummary{}
	for _, e := range recs {
		s := idx[e.Chunk]
		if s == nil {
			s = &chunkSummary{Chunk: e.Chunk}
			idx[e.Chunk] = s
		}
		switch {
		case e.Action == world.ActionBreak:
			s.Breaks++
		case e.Verdict == "rejected":
			s.Rejected++
			if s.ByBlock == nil {
				s.ByBlock = map[string]int64{}
			}
			s.ByBlock[e.Block]++
		default:
			s.Accepted++
		}
	}
	out := make([]chunkSummary, 0, len(idx))
	for _, s := range idx {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chunk[0] != out[j].Chunk[0] {
			return out[i].Chunk[0] < out[j].Chunk[0]
		}
		return out[i].Chunk[1] < out[j].Chunk[1]
	})
	return out
}

func parseChunk(s string) ([2]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return [2]int{}, fmt.Errorf("want cx,cz")
	}
	var out [2]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return [2]int{}, err
		}
		out[i] = n
	}
	return out, nil
}
