package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"chunkcap.ai/internal/persistence/r2s3"
)

const r2EnvPrefix = "CHUNKCAP_R2_"

// buildArchiveMirror returns nil unless CHUNKCAP_R2_MIRROR is true.
func buildArchiveMirror(dataDir string, logger *zap.Logger) (*r2s3.Mirror, error) {
	if !envBool(r2EnvPrefix+"MIRROR", false) {
		return nil, nil
	}
	cfg, _ := r2s3.ConfigFromEnv(r2EnvPrefix)
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%sMIRROR=true but %sENDPOINT/BUCKET/ACCESS_KEY_ID/SECRET_ACCESS_KEY are not fully set: %w", r2EnvPrefix, r2EnvPrefix, err)
	}
	return r2s3.NewMirror(client, dataDir, r2s3.MirrorOptions{
		Prefix:  strings.TrimSpace(os.Getenv(r2EnvPrefix + "PREFIX")),
		Workers: envInt(r2EnvPrefix+"UPLOAD_WORKERS", 2),
		Logger:  logger,
	}), nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
