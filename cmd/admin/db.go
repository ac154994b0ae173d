package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries a session index: tics, events, commands or saves.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tic := fs.Int("tic", -1, "tic filter (commands; optional for tics)")
	player := fs.Int("player", 0, "player filter (events)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "tics"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "sessions", *sessionID, "index", "session.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "tics":
		type row struct {
			Tic       int    `json:"tic"`
			Digest    string `json:"digest"`
			GameState string `json:"game_state,omitempty"`
			Joins     int    `json:"joins"`
			Leaves    int    `json:"leaves"`
			Commands  int    `json:"commands"`
		}
		query := `SELECT tic,digest,COALESCE(game_state,''),joins,leaves,commands FROM tics ORDER BY tic DESC LIMIT ?`
		qargs := []any{*limit}
		if *tic >= 0 {
			query = `SELECT tic,digest,COALESCE(game_state,''),joins,leaves,commands FROM tics WHERE tic=?`
			qargs = []any{*tic}
		}
		each(db, query, qargs, func(rs *sql.Rows) (any, error) {
			var r row
			err := rs.Scan(&r.Tic, &r.Digest, &r.GameState, &r.Joins, &r.Leaves, &r.Commands)
			return r, err
		})

	case "events":
		type row struct {
			Tic    int    `json:"tic"`
			Kind   string `json:"kind"`
			Player int    `json:"player"`
			Detail string `json:"detail,omitempty"`
		}
		query := `SELECT tic,kind,player,COALESCE(detail,'') FROM sync_events ORDER BY id DESC LIMIT ?`
		qargs := []any{*limit}
		if *player > 0 {
			query = `SELECT tic,kind,player,COALESCE(detail,'') FROM sync_events WHERE player=? ORDER BY id DESC LIMIT ?`
			qargs = []any{*player, *limit}
		}
		each(db, query, qargs, func(rs *sql.Rows) (any, error) {
			var r row
			err := rs.Scan(&r.Tic, &r.Kind, &r.Player, &r.Detail)
			return r, err
		})

	case "commands":
		if *tic < 0 {
			fmt.Fprintln(os.Stderr, "commands needs -tic")
			os.Exit(2)
		}
		type row struct {
			Tic      int    `json:"tic"`
			Player   int    `json:"player"`
			Index    int64  `json:"cmd_index"`
			BuiltTic int    `json:"built_tic"`
			Command  string `json:"command"`
		}
		each(db, `SELECT tic,player,cmd_index,built_tic,cmd_json FROM commands WHERE tic=? ORDER BY player,cmd_index`, []any{*tic},
			func(rs *sql.Rows) (any, error) {
				var r row
				err := rs.Scan(&r.Tic, &r.Player, &r.Index, &r.BuiltTic, &r.Command)
				return r, err
			})

	case "saves":
		type row struct {
			Tic        int    `json:"tic"`
			Path       string `json:"path"`
			SessionID  string `json:"session_id"`
			Digest     string `json:"digest"`
			Players    int    `json:"players"`
			RecordedAt string `json:"recorded_at"`
		}
		each(db, `SELECT tic,path,session_id,digest,players,recorded_at FROM save_games ORDER BY tic DESC LIMIT ?`, []any{*limit},
			func(rs *sql.Rows) (any, error) {
				var r row
				err := rs.Scan(&r.Tic, &r.Path, &r.SessionID, &r.Digest, &r.Players, &r.RecordedAt)
				return r, err
			})

	default:
		fmt.Fprintln(os.Stderr, "unknown query (want tics, events, commands or saves):", q)
		os.Exit(2)
	}
}

func each(db *sql.DB, query string, args []any, scan func(*sql.Rows) (any, error)) {
	rows, err := db.Query(query, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		printJSON(r)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}
