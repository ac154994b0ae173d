package runner

import (
	"testing"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
)

func newRunner(t *testing.T, ids ...command.PlayerID) *Runner {
	t.Helper()
	st, err := game.NewState(game.ProceduralLoader{Seed: 1}, 1, 1, 2)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	qs := command.NewQueues()
	for _, id := range ids {
		st.AddPlayer(id)
		qs.Ensure(id, 0)
	}
	return New(st, qs, nil)
}

func TestRunOneTic_PredictingRunsOnePerPlayer(t *testing.T) {
	r := newRunner(t, 1, 2)
	q1 := r.Queues.Get(1)
	q1.Append(command.Command{Tic: 0, Forward: 10})
	q1.Append(command.Command{Tic: 1, Forward: 10})

	if err := r.RunOneTic(); err != nil {
		t.Fatalf("RunOneTic: %v", err)
	}
	if r.State.Tic != 1 {
		t.Fatalf("tic=%d want 1", r.State.Tic)
	}
	if q1.LatestRunIndex() != 1 {
		t.Fatalf("latestRun=%d want 1", q1.LatestRunIndex())
	}
	if r.State.Player(1).LastCommandIndex != 1 {
		t.Fatalf("state cursor=%d want 1", r.State.Player(1).LastCommandIndex)
	}
	if r.Queues.Get(2).LatestRunIndex() != 0 {
		t.Fatalf("player 2 had no command")
	}
}

func TestRunOneTic_AuthoritativeStampsServerTic(t *testing.T) {
	r := newRunner(t, 1)
	r.SetMode(ModeAuthoritative)
	r.CommandLimit = func(command.PlayerID, *command.Queue) int { return 2 }
	q := r.Queues.Get(1)
	for i := 0; i < 3; i++ {
		q.Append(command.Command{Tic: i})
	}
	r.State.Tic = 40

	var saved []int
	r.OnTic = func(s *game.State, ran []game.PlayerCommands) { saved = append(saved, s.Tic) }
	if err := r.RunOneTic(); err != nil {
		t.Fatalf("RunOneTic: %v", err)
	}
	if q.LatestRunIndex() != 2 {
		t.Fatalf("latestRun=%d want 2", q.LatestRunIndex())
	}
	for _, idx := range []uint32{1, 2} {
		if c, _ := q.Get(idx); c.ServerTic != 40 {
			t.Fatalf("command %d server tic=%d want 40", idx, c.ServerTic)
		}
	}
	if c, _ := q.Get(3); c.ServerTic != 0 {
		t.Fatalf("command 3 should not be stamped")
	}
	if len(saved) != 1 || saved[0] != 40 {
		t.Fatalf("OnTic saw %v, want [40]", saved)
	}
}

func TestRunOneTic_SynchronizingReplaysByServerTic(t *testing.T) {
	r := newRunner(t, 1)
	q := r.Queues.Get(1)
	q.Receive(command.Command{Index: 1, Tic: 3, ServerTic: 10})
	q.Receive(command.Command{Index: 2, Tic: 4, ServerTic: 10})
	q.Receive(command.Command{Index: 3, Tic: 5, ServerTic: 12})
	q.Append(command.Command{Tic: 6})

	r.SetMode(ModeSynchronizing)
	r.State.Tic = 10
	for i := 0; i < 3; i++ {
		if err := r.RunOneTic(); err != nil {
			t.Fatalf("tic %d: %v", r.State.Tic, err)
		}
		switch r.State.Tic {
		case 11, 12:
			if q.LatestRunIndex() != 2 {
				t.Fatalf("after tic %d latestRun=%d want 2", r.State.Tic-1, q.LatestRunIndex())
			}
		case 13:
			if q.LatestRunIndex() != 3 {
				t.Fatalf("latestRun=%d want 3", q.LatestRunIndex())
			}
		}
	}
}

func TestRunOneTic_SynchronizingGapIsMissingCommand(t *testing.T) {
	r := newRunner(t, 1)
	q := r.Queues.Get(1)
	q.Receive(command.Command{Index: 1, ServerTic: 5})
	q.Receive(command.Command{Index: 2, ServerTic: 6})
	r.SetMode(ModeSynchronizing)
	r.State.Tic = 6

	before := game.Digest(r.State)
	err := r.RunOneTic()
	if !eris.Is(err, ErrMissingCommand) {
		t.Fatalf("expected ErrMissingCommand, got %v", err)
	}
	if game.Digest(r.State) != before || r.State.Tic != 6 {
		t.Fatalf("state must be untouched on a missing command")
	}
	if r.Warnings() != 1 {
		t.Fatalf("warnings=%d want 1", r.Warnings())
	}
}

func TestRunOneTic_RepredictingMissingLocalCommand(t *testing.T) {
	r := newRunner(t, 1)
	r.Local = 1
	q := r.Queues.Get(1)
	for i := 0; i < 5; i++ {
		q.Append(command.Command{Tic: i})
	}
	q.MarkRun(3)
	q.TrimConfirmed(100)
	q.SetLatestRun(1)

	r.SetMode(ModeRepredicting)
	if err := r.RunOneTic(); !eris.Is(err, ErrMissingCommand) {
		t.Fatalf("expected ErrMissingCommand, got %v", err)
	}
}

func TestRestoreCursors(t *testing.T) {
	r := newRunner(t, 1)
	r.State.AddPlayer(4)
	r.State.Player(1).LastCommandIndex = 17
	r.State.Player(4).LastCommandIndex = 3
	r.RestoreCursors()
	if r.Queues.Get(1).LatestRunIndex() != 17 || r.Queues.Get(4).LatestRunIndex() != 3 {
		t.Fatalf("cursors not restored")
	}
}

func TestWindow(t *testing.T) {
	var w Window
	if w.OccurredDuring(5) {
		t.Fatalf("inactive window must report false")
	}
	w.Begin(981, 1000)
	for tic := 981; tic <= 1000; tic++ {
		if !w.OccurredDuring(tic) {
			t.Fatalf("tic %d should be inside", tic)
		}
	}
	if w.OccurredDuring(980) || w.OccurredDuring(1001) {
		t.Fatalf("bounds must be inclusive and tight")
	}
	w.End()
	if w.Active() || w.OccurredDuring(990) {
		t.Fatalf("ended window must report false")
	}
}
