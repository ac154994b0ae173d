package indexdb

import (
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/server"
)

// Reader queries an index, possibly while a SQLiteIndex is still writing
// to it.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// TicDigest returns the digest recorded for tic.
func (r *Reader) TicDigest(tic int) (string, bool, error) {
	var d string
	err := r.db.QueryRow(`SELECT digest FROM tics WHERE tic=?`, tic).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "tic %d", tic)
	}
	return d, true, nil
}

type SaveGameRow struct {
	Tic       int
	Path      string
	SessionID string
	Digest    string
	Players   int
}

// LatestSaveGame returns the newest recorded save game.
func (r *Reader) LatestSaveGame() (SaveGameRow, bool, error) {
	var s SaveGameRow
	err := r.db.QueryRow(`SELECT tic,path,session_id,digest,players FROM save_games ORDER BY tic DESC LIMIT 1`).
		Scan(&s.Tic, &s.Path, &s.SessionID, &s.Digest, &s.Players)
	if errors.Is(err, sql.ErrNoRows) {
		return SaveGameRow{}, false, nil
	}
	if err != nil {
		return SaveGameRow{}, false, eris.Wrap(err, "latest save game")
	}
	return s, true, nil
}

// Events lists a player's session events in order.
func (r *Reader) Events(player uint32) ([]server.Event, error) {
	rows, err := r.db.Query(`SELECT tic,kind,player,COALESCE(detail,'') FROM sync_events WHERE player=? ORDER BY id`, player)
	if err != nil {
		return nil, eris.Wrap(err, "query events")
	}
	defer rows.Close()
	var out []server.Event
	for rows.Next() {
		var e server.Event
		if err := rows.Scan(&e.Tic, &e.Kind, &e.Player, &e.Detail); err != nil {
			return nil, eris.Wrap(err, "scan event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "events")
}

// CommandsRunAt counts the commands the server ran at tic.
func (r *Reader) CommandsRunAt(tic int) (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM commands WHERE tic=?`, tic).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "commands at %d", tic)
	}
	return n, nil
}
