package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"ticksync.dev/internal/server"
)

// TicsDir is where a session directory keeps its tic log.
const TicsDir = "tics"

// ReadTics calls fn for every logged tic in sessionDir, oldest file first.
// fn returning an error stops the walk and ReadTics returns it.
func ReadTics(sessionDir string, fn func(server.TicEntry) error) error {
	files, err := filepath.Glob(filepath.Join(sessionDir, TicsDir, "tics-*.jsonl.zst"))
	if err != nil {
		return eris.Wrap(err, "list tic log")
	}
	sort.Strings(files)
	for _, path := range files {
		if err := readFile(path, func(line []byte) error {
			var e server.TicEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return eris.Wrapf(err, "%s: decode entry", filepath.Base(path))
			}
			return fn(e)
		}); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "open tic log")
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return eris.Wrap(err, "zstd decoder")
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return eris.Wrapf(sc.Err(), "read %s", filepath.Base(path))
}
