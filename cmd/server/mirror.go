package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"ticksync.dev/internal/persistence/mirror"
)

// openMirror returns nil unless TS_MIRROR is set. Save games and session
// archives are then copied to the configured bucket.
func openMirror(dataDir string, logger *zap.SugaredLogger) (*mirror.Mirror, error) {
	if !envBool("TS_MIRROR", false) {
		return nil, nil
	}
	client, err := mirror.NewClient(mirror.ClientConfig{
		Endpoint:  os.Getenv("TS_MIRROR_ENDPOINT"),
		Bucket:    os.Getenv("TS_MIRROR_BUCKET"),
		Region:    os.Getenv("TS_MIRROR_REGION"),
		AccessKey: os.Getenv("TS_MIRROR_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("TS_MIRROR_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, eris.Wrap(err, "TS_MIRROR=true")
	}
	return mirror.New(client, dataDir, mirror.Options{
		Prefix:  strings.TrimSpace(os.Getenv("TS_MIRROR_PREFIX")),
		Workers: envInt("TS_MIRROR_WORKERS", 2),
	}, logger), nil
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
