package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/persistence/indexdb"
	persistlog "ticksync.dev/internal/persistence/log"
	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/server"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
	"ticksync.dev/internal/sim/runner"
	"ticksync.dev/internal/sim/state"
	"ticksync.dev/internal/sim/tuning"
)

var errStop = errors.New("stop")

// replay re-runs a session's tic log from a save game and checks that
// every tic reproduces the digest the server recorded.
func main() {
	var (
		savePath   = flag.String("save", "", "path to .sav.zst")
		sessionDir = flag.String("session", "", "session dir containing tics/tics-*.jsonl.zst (optional)")
		indexPath  = flag.String("index", "", "sqlite index to cross-check digests against (optional)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults apply when missing)")
		toTic      = flag.Int("to_tic", 0, "stop after this tic (inclusive, optional)")
		logLevel   = flag.String("log_level", "warn", "debug, info, warn or error")
	)
	flag.Parse()

	if *savePath == "" {
		fmt.Fprintln(os.Stderr, "missing -save")
		os.Exit(2)
	}
	logger := logging.New(logging.Options{Name: "replay", Level: *logLevel})

	sg, err := snapshot.Read(*savePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save game:", err)
		os.Exit(1)
	}
	if got := game.DigestBytes(sg.State); got != sg.Header.Digest {
		fmt.Fprintf(os.Stderr, "save game digest mismatch: header=%s state=%s\n", sg.Header.Digest, got)
		os.Exit(1)
	}
	st, err := game.Decode(sg.State)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode save game:", err)
		os.Exit(1)
	}
	fmt.Printf("save game v%d session=%s tic=%d players=%d map=E%dM%d state=%s\n",
		sg.Header.Version, sg.Header.SessionID, sg.Header.Tic, len(st.Players), st.Episode, st.Map, st.GameState)

	if *sessionDir == "" {
		return
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}

	var idx *indexdb.Reader
	if *indexPath != "" {
		idx, err = indexdb.OpenReader(*indexPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
		defer idx.Close()
	}

	rp := newReplayer(st, game.ProceduralLoader{Seed: tune.Level.Seed})
	rp.runner.OnTic = func(s *game.State, _ []game.PlayerCommands) {
		rp.lastDigest = state.Capture(s).Digest()
	}

	err = persistlog.ReadTics(*sessionDir, func(e server.TicEntry) error {
		if *toTic > 0 && e.Tic > *toTic {
			return errStop
		}
		if e.Tic <= sg.Header.Tic {
			return nil
		}
		if err := rp.step(e); err != nil {
			return err
		}
		if idx != nil {
			if d, ok, err := idx.TicDigest(e.Tic); err != nil {
				return err
			} else if ok && d != e.Digest {
				return eris.Errorf("tic %d: index digest %s differs from log %s", e.Tic, d, e.Digest)
			}
		}
		logger.Debugw("tic verified", "tic", e.Tic, "digest", e.Digest)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replayed %d tics, last tic %d, all digests match\n", rp.tics, rp.runner.State.Tic-1)
}

type replayer struct {
	runner *runner.Runner
	loader game.LevelLoader
	// limits is how many commands each player ran in the tic being replayed.
	limits     map[command.PlayerID]int
	lastDigest string
	tics       int
}

func newReplayer(st *game.State, loader game.LevelLoader) *replayer {
	queues := command.NewQueues()
	for i := range st.Players {
		queues.Ensure(st.Players[i].ID, st.Players[i].LastCommandIndex)
	}
	rp := &replayer{loader: loader, limits: make(map[command.PlayerID]int)}
	rp.runner = runner.New(st, queues, nil)
	rp.runner.SetMode(runner.ModeAuthoritative)
	rp.runner.CommandLimit = func(id command.PlayerID, _ *command.Queue) int { return rp.limits[id] }
	st.Tic++
	return rp
}

// step applies one logged tic in the order the server did: game-state
// transitions, released seats, joins, commands, then the tic itself.
func (rp *replayer) step(e server.TicEntry) error {
	st := rp.runner.State
	if e.Tic != st.Tic {
		return eris.Errorf("log jumps from tic %d to %d", st.Tic-1, e.Tic)
	}
	if _, err := game.AdvanceGameState(st, rp.loader); err != nil {
		return eris.Wrapf(err, "tic %d: advance game state", e.Tic)
	}
	for _, id := range e.Leaves {
		st.RemovePlayer(command.PlayerID(id))
		rp.runner.Queues.Remove(command.PlayerID(id))
	}
	for _, j := range e.Joins {
		st.AddPlayer(command.PlayerID(j.Player))
		rp.runner.Queues.Ensure(command.PlayerID(j.Player), 0)
	}
	clear(rp.limits)
	for _, pc := range e.Commands {
		id := command.PlayerID(pc.Player)
		q := rp.runner.Queues.Get(id)
		if q == nil {
			return eris.Errorf("tic %d: commands for unknown player %d", e.Tic, pc.Player)
		}
		for _, c := range pc.Commands {
			c.ServerTic = 0
			q.Receive(c)
		}
		rp.limits[id] = len(pc.Commands)
	}

	if err := rp.runner.RunOneTic(); err != nil {
		return eris.Wrapf(err, "tic %d", e.Tic)
	}
	if rp.lastDigest != e.Digest {
		return eris.Errorf("tic %d: replayed digest %s, server recorded %s", e.Tic, rp.lastDigest, e.Digest)
	}
	rp.runner.Queues.TrimSynchronized(e.Tic + 1)
	rp.tics++
	return nil
}
