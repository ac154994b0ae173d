package archive

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/persistence/snapshot"
)

type SessionArchiveMeta struct {
	SessionID string   `json:"session_id"`
	EndTic    int      `json:"end_tic"`
	Digest    string   `json:"digest"`
	Players   []string `json:"players"`
	SaveGame  string   `json:"save_game"`
	CreatedAt string   `json:"created_at"`
}

// ArchiveSession copies a session's final save game into
// `sessionDir/archives/session_<id>/` next to a meta.json describing it.
// Later sessions in the same directory keep their own archives.
func ArchiveSession(sessionDir, savePath string, hdr snapshot.Header) (string, error) {
	if hdr.SessionID == "" {
		return "", eris.New("archive: save game has no session id")
	}
	archiveDir := filepath.Join(sessionDir, "archives", "session_"+hdr.SessionID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", eris.Wrap(err, "archive dir")
	}

	dst := filepath.Join(archiveDir, filepath.Base(savePath))
	if err := copyFile(savePath, dst); err != nil {
		return "", eris.Wrap(err, "copy save game")
	}

	meta := SessionArchiveMeta{
		SessionID: hdr.SessionID,
		EndTic:    hdr.Tic,
		Digest:    hdr.Digest,
		Players:   []string{},
		SaveGame:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, p := range hdr.Players {
		meta.Players = append(meta.Players, p.Name)
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
