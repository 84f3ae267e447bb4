package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chunkcap.ai/internal/persistence/indexdb"
)

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "chunkcap.sqlite")
}

// openRuntimeIndex returns nil when indexing is off.
func openRuntimeIndex(dataDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CHUNKCAP_INDEX_BACKEND")))
	switch backend {
	case "", "sqlite":
		return indexdb.OpenSQLite(indexPath(dataDir))
	case "none", "off", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported CHUNKCAP_INDEX_BACKEND: %s", backend)
	}
}
