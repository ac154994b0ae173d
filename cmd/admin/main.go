package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/sim/game"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "savegame":
			saveGameCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the sessions under -data, or the save games of one
// session, newest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "sessions")
	if *sessionID == "" {
		entries, err := os.ReadDir(base)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if e.IsDir() {
				fmt.Println(e.Name())
			}
		}
		return
	}

	tics, err := saveTics(filepath.Join(base, *sessionID, "saves"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, t := range tics {
		fmt.Println(snapshot.FileName(t))
	}
}

func saveTics(dir string) ([]int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshot.Ext) {
			continue
		}
		t, err := strconv.Atoi(strings.TrimSuffix(name, snapshot.Ext))
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

// saveGameCmd describes a save game and checks its digest.
func saveGameCmd(args []string) {
	fs := flag.NewFlagSet("savegame", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (used when -path is empty)")
	path := fs.String("path", "", "save game path (optional; defaults to the session's latest)")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -path or -session")
			os.Exit(2)
		}
		p = snapshot.Latest(filepath.Join(*dataDir, "sessions", *sessionID, "saves"))
		if p == "" {
			fmt.Fprintln(os.Stderr, "no save games found")
			os.Exit(2)
		}
	}

	sg, err := snapshot.Read(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	st, err := game.Decode(sg.State)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}

	type player struct {
		ID     uint32 `json:"id"`
		Name   string `json:"name"`
		Health int    `json:"health"`
	}
	out := struct {
		Path      string   `json:"path"`
		Version   int      `json:"version"`
		SessionID string   `json:"session_id"`
		Tic       int      `json:"tic"`
		Digest    string   `json:"digest"`
		DigestOK  bool     `json:"digest_ok"`
		Level     string   `json:"level"`
		GameState string   `json:"game_state"`
		Players   []player `json:"players"`
	}{
		Path:      p,
		Version:   sg.Header.Version,
		SessionID: sg.Header.SessionID,
		Tic:       sg.Header.Tic,
		Digest:    sg.Header.Digest,
		DigestOK:  game.DigestBytes(sg.State) == sg.Header.Digest,
		Level:     fmt.Sprintf("E%dM%d", st.Episode, st.Map),
		GameState: st.GameState.String(),
	}
	names := map[uint32]string{}
	for _, sp := range sg.Header.Players {
		names[sp.ID] = sp.Name
	}
	for i := range st.Players {
		pl := &st.Players[i]
		out.Players = append(out.Players, player{ID: uint32(pl.ID), Name: names[uint32(pl.ID)], Health: pl.Health})
	}
	printJSON(out)
	if !out.DigestOK {
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
