package snapshot

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

const Version = 1

// Header is the first line of a save game, readable without decoding the
// state.
type Header struct {
	Version      int        `json:"version"`
	SessionID    string     `json:"session_id"`
	Tic          int        `json:"tic"`
	Digest       string     `json:"digest"` // hex sha256 of State
	NextPlayerID uint32     `json:"next_player_id"`
	Players      []PlayerV1 `json:"players"`
}

// PlayerV1 lets a resumed server hand seats back to reconnecting peers.
type PlayerV1 struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	ResumeToken string `json:"resume_token"`
}

// SaveGame is one authoritative snapshot plus the session bookkeeping
// needed to resume from it.
type SaveGame struct {
	Header Header
	// State is the encoded simulation (game.Encode).
	State []byte
}

// Write stores the save game as zstd(header JSON line + state bytes).
func Write(path string, sg SaveGame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := encode(f, sg); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(w io.Writer, sg SaveGame) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(sg.Header)
	if err != nil {
		return eris.Wrap(err, "encode header")
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(sg.State); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func Read(path string) (SaveGame, error) {
	var sg SaveGame
	f, err := os.Open(path)
	if err != nil {
		return sg, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return sg, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return sg, eris.Wrap(err, "read header")
	}
	if err := json.Unmarshal(line, &sg.Header); err != nil {
		return sg, eris.Wrap(err, "decode header")
	}
	if sg.Header.Version != Version {
		return sg, eris.Errorf("unsupported save game version %d", sg.Header.Version)
	}
	sg.State, err = io.ReadAll(br)
	if err != nil {
		return sg, eris.Wrap(err, "read state")
	}
	return sg, nil
}

const Ext = ".sav.zst"

// FileName is the canonical name of the save game for tic.
func FileName(tic int) string { return strconv.Itoa(tic) + Ext }

// Latest returns the save game in dir with the highest tic, or "".
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	best, bestTic := "", -1
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Ext) {
			continue
		}
		tic, err := strconv.Atoi(strings.TrimSuffix(name, Ext))
		if err != nil {
			continue
		}
		if tic > bestTic {
			best, bestTic = filepath.Join(dir, name), tic
		}
	}
	return best
}
