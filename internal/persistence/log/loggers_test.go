package log

import (
	"os"
	"path/filepath"
	"testing"

	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/server"
	"ticksync.dev/internal/sim/command"
)

func TestTicLogger_ReadBack(t *testing.T) {
	dir := t.TempDir()
	l := NewTicLogger(dir)
	for tic := 1; tic <= 5; tic++ {
		e := server.TicEntry{Tic: tic, Digest: "d"}
		if tic == 1 {
			e.Joins = []server.JoinEntry{{Player: 1, Name: "alice"}}
		}
		if tic == 3 {
			e.Commands = []protocol.PlayerCommands{{Player: 1, Commands: []command.Command{{Index: 1, Tic: 2, ServerTic: 3, Forward: 9}}}}
		}
		if err := l.WriteTic(e); err != nil {
			t.Fatalf("WriteTic: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening appends a second zstd frame to the same hourly file.
	l = NewTicLogger(dir)
	if err := l.WriteTic(server.TicEntry{Tic: 6, Digest: "d"}); err != nil {
		t.Fatalf("WriteTic: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []server.TicEntry
	if err := ReadTics(dir, func(e server.TicEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadTics: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("read %d entries", len(got))
	}
	for i, e := range got {
		if e.Tic != i+1 {
			t.Fatalf("entry %d has tic %d", i, e.Tic)
		}
	}
	if len(got[0].Joins) != 1 || got[0].Joins[0].Name != "alice" {
		t.Fatalf("joins %+v", got[0].Joins)
	}
	if c := got[2].Commands; len(c) != 1 || c[0].Commands[0].ServerTic != 3 || c[0].Commands[0].Forward != 9 {
		t.Fatalf("commands %+v", c)
	}
}

func TestReadTics_EmptyDir(t *testing.T) {
	n := 0
	if err := ReadTics(t.TempDir(), func(server.TicEntry) error { n++; return nil }); err != nil {
		t.Fatalf("ReadTics: %v", err)
	}
	if n != 0 {
		t.Fatalf("read %d entries from nothing", n)
	}
}

func TestEventLogger_WritesCompressedFile(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir)
	if err := l.WriteEvent(server.Event{Tic: 7, Kind: server.EventLagged, Player: 2}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "events", "events-*.jsonl.zst"))
	if len(files) != 1 {
		t.Fatalf("files %v", files)
	}
	var lines int
	if err := readFile(files[0], func([]byte) error { lines++; return nil }); err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if lines != 1 {
		t.Fatalf("lines %d", lines)
	}
	if _, err := os.Stat(filepath.Join(dir, TicsDir)); !os.IsNotExist(err) {
		t.Fatalf("event logger touched the tic log")
	}
}
