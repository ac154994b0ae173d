package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/persistence/indexdb"
	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/server"
	"ticksync.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	server.TicLogger
	server.EventLogger
	Close() error
	Stats() indexdb.Stats
	RecordTuning(tune tuning.Tuning) error
	RecordSaveGame(path string, hdr snapshot.Header)
}

func openRuntimeIndex(sessionDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(sessionDir, "index", "session.sqlite"))
	default:
		return nil, eris.Errorf("unsupported TS_INDEX_BACKEND: %s", backend)
	}
}
