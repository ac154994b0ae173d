package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/server"
	"ticksync.dev/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of a session: per-tic
// digests, who joined and left, the commands run, session events and save
// games. The JSONL tic log stays the source of truth; the index drops
// writes rather than stall the simulation.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTic   atomic.Uint64
	dropEvent atomic.Uint64
	dropSave  atomic.Uint64
}

type reqKind int

const (
	reqTic reqKind = iota + 1
	reqEvent
	reqSave
)

type req struct {
	kind reqKind

	tic   server.TicEntry
	event server.Event
	save  saveRow
}

type saveRow struct {
	Tic       int
	Path      string
	SessionID string
	Digest    string
	Players   int
}

// Stats reports the writer queue and what it had to drop.
type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTicTotal   uint64
	DropEventTotal uint64
	DropSaveTotal  uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Room for bursts (many players reconnecting) without stalling the sim.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, eris.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "create db dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload and lets readers run alongside
	// the writer.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return eris.Wrapf(err, "%s", p)
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
		`CREATE TABLE IF NOT EXISTS tics (
			tic INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			game_state TEXT,
			joins INTEGER NOT NULL,
			leaves INTEGER NOT NULL,
			commands INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS joins (
			tic INTEGER NOT NULL,
			player INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (tic, player)
		);`,
		`CREATE TABLE IF NOT EXISTS leaves (
			tic INTEGER NOT NULL,
			player INTEGER NOT NULL,
			PRIMARY KEY (tic, player)
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			tic INTEGER NOT NULL,
			player INTEGER NOT NULL,
			cmd_index INTEGER NOT NULL,
			built_tic INTEGER NOT NULL,
			cmd_json TEXT NOT NULL,
			PRIMARY KEY (player, cmd_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_tic ON commands(tic);`,
		`CREATE TABLE IF NOT EXISTS sync_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tic INTEGER NOT NULL,
			kind TEXT NOT NULL,
			player INTEGER NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_events_player_tic ON sync_events(player, tic);`,
		`CREATE TABLE IF NOT EXISTS save_games (
			tic INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			session_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			players INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return eris.Wrap(err, "init schema")
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

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTicTotal:   s.dropTic.Load(),
		DropEventTotal: s.dropEvent.Load(),
		DropSaveTotal:  s.dropSave.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTic(entry server.TicEntry) error {
	s.enqueue(req{kind: reqTic, tic: entry}, &s.dropTic)
	return nil
}

func (s *SQLiteIndex) WriteEvent(e server.Event) error {
	s.enqueue(req{kind: reqEvent, event: e}, &s.dropEvent)
	return nil
}

func (s *SQLiteIndex) RecordSaveGame(path string, hdr snapshot.Header) {
	s.enqueue(req{kind: reqSave, save: saveRow{
		Tic:       hdr.Tic,
		Path:      path,
		SessionID: hdr.SessionID,
		Digest:    hdr.Digest,
		Players:   len(hdr.Players),
	}}, &s.dropSave)
}

// RecordTuning stores the tuning the session runs with, keyed by its
// digest.
func (s *SQLiteIndex) RecordTuning(tune tuning.Tuning) error {
	b, err := json.Marshal(tune)
	if err != nil {
		return eris.Wrap(err, "encode tuning")
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return eris.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range map[string]string{
		"schema_version": "1",
		"tuning":         string(b),
		"tuning_digest":  hex.EncodeToString(sum[:]),
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return eris.Wrapf(err, "meta %s", k)
		}
	}
	return eris.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertTic, _ := s.db.Prepare(`INSERT OR REPLACE INTO tics(tic,digest,game_state,joins,leaves,commands,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertJoin, _ := s.db.Prepare(`INSERT OR REPLACE INTO joins(tic,player,name) VALUES(?,?,?)`)
	insertLeave, _ := s.db.Prepare(`INSERT OR REPLACE INTO leaves(tic,player) VALUES(?,?)`)
	insertCommand, _ := s.db.Prepare(`INSERT OR REPLACE INTO commands(tic,player,cmd_index,built_tic,cmd_json) VALUES(?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO sync_events(tic,kind,player,detail) VALUES(?,?,?,?)`)
	insertSave, _ := s.db.Prepare(`INSERT OR REPLACE INTO save_games(tic,path,session_id,digest,players,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTic, insertJoin, insertLeave, insertCommand, insertEvent, insertSave} {
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
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTic:
			e := r.tic
			ncmds := 0
			for _, pc := range e.Commands {
				ncmds += len(pc.Commands)
			}
			raw, _ := json.Marshal(e)
			if !exec(insertTic, e.Tic, e.Digest, e.GameState, len(e.Joins), len(e.Leaves), ncmds, string(raw)) {
				continue
			}
			for _, j := range e.Joins {
				if !exec(insertJoin, e.Tic, j.Player, j.Name) {
					break
				}
			}
			for _, id := range e.Leaves {
				if !exec(insertLeave, e.Tic, id) {
					break
				}
			}
		commands:
			for _, pc := range e.Commands {
				for _, c := range pc.Commands {
					cmdJSON, _ := json.Marshal(c)
					if !exec(insertCommand, e.Tic, pc.Player, c.Index, c.Tic, string(cmdJSON)) {
						break commands
					}
				}
			}

		case reqEvent:
			ev := r.event
			exec(insertEvent, ev.Tic, ev.Kind, ev.Player, ev.Detail)

		case reqSave:
			sv := r.save
			exec(insertSave, sv.Tic, sv.Path, sv.SessionID, sv.Digest, sv.Players, time.Now().UTC().Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
