package client

import (
	"github.com/rotisserie/eris"

	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
	"ticksync.dev/internal/sim/runner"
	"ticksync.dev/internal/sim/state"
)

// PerformResync adopts the delta waiting in the server tracker: it
// materializes the server snapshot, replays buffered commands from the
// base snapshot up to it, then sits the simulation on the server state
// one tic later. Without a pending delta it does nothing.
//
// Failures before the simulation is touched return ErrRecoverable with
// the tracker rolled back; the pending delta stays for a retry.
func (c *Controller) PerformResync() (Report, error) {
	if !c.Server.Updated() {
		return Report{}, nil
	}

	d := c.Server.StateDelta()
	savedSyncTic := c.Server.SyncTic()
	savedFrom, savedTo := d.FromTic, d.ToTic
	rollback := func(err error, counts bool) (Report, error) {
		c.Server.Reset(savedSyncTic, savedFrom, savedTo)
		if counts {
			c.failures++
			if c.MaxResyncFailures > 0 && c.failures >= c.MaxResyncFailures {
				c.log.Warnw("requesting full state", "failures", c.failures)
				c.failures = 0
				c.Server.RequestFullState()
			}
		}
		return Report{}, eris.Wrapf(ErrRecoverable, "delta %d->%d: %v", savedFrom, savedTo, err)
	}

	if c.Sound != nil {
		c.Sound.ResetSoundLog()
	}

	latestSnap, err := c.Store.ApplyDelta(d)
	if err != nil {
		// A delta built against a state we already moved past is
		// superseded by the next one: drop it without counting a failure.
		if !d.Full && d.FromTic < c.stateTic && !c.Store.Has(d.FromTic) {
			rep, err := rollback(err, false)
			c.Server.SetNotUpdated()
			return rep, err
		}
		return rollback(err, true)
	}

	c.loadingState = true
	latest, err := c.Store.LoadLatest(c.needsInitNew, c.Loader)
	c.loadingState = false
	if err != nil {
		return rollback(eris.Wrap(err, "load latest state"), true)
	}
	c.needsInitNew = false

	rep := Report{FromTic: d.FromTic, ToTic: d.ToTic, Full: d.Full, ReplayDigestMatch: true}
	if d.Full {
		c.adoptFull(latest)
	} else {
		c.loadingState = true
		base, err := c.Store.Load(d.FromTic, false, nil)
		c.loadingState = false
		if err != nil {
			return rollback(eris.Wrap(err, "load previous state"), true)
		}
		n, match, err := c.replay(base, latest, latestSnap, d.ToTic)
		rep.TicsReplayed = n
		rep.ReplayDigestMatch = match
		if err != nil {
			return rep, err
		}

		c.loadingState = true
		latest, err = c.Store.LoadLatest(false, nil)
		c.loadingState = false
		if err != nil {
			return rep, eris.Wrapf(ErrFatalDesync, "reload latest state %d: %v", d.ToTic, err)
		}
		c.Runner.State = latest
		c.Runner.RestoreCursors()
		if c.View != nil {
			// Interpolation resumes from the adopted state.
			c.View.ResetViewInterpolation()
		}

		c.Store.EvictBefore(d.FromTic + 1)
		c.Runner.Queues.TrimConfirmed(d.FromTic + 1)
		c.Runner.Queues.TrimSynchronized(d.FromTic + 1)
	}

	c.applyNewGameState()
	c.Runner.State.Tic++

	c.failures = 0
	c.stateTic = d.ToTic
	c.Server.SetNotUpdated()
	c.Server.SetHasGameState()
	c.Server.MarkOutdated()
	if c.Sound != nil {
		c.Sound.TrimSoundLog(d.FromTic, c.Server.SyncCommandIndex())
	}
	return rep, nil
}

// adoptFull installs a state that arrived without a base. Nothing can be
// replayed, so remote queues restart from the state's cursors and the
// local queue only keeps what the server has not run yet.
func (c *Controller) adoptFull(st *game.State) {
	c.Runner.State = st
	present := make(map[command.PlayerID]bool, len(st.Players))
	for i := range st.Players {
		p := &st.Players[i]
		present[p.ID] = true
		q := c.Runner.Queues.Ensure(p.ID, p.LastCommandIndex)
		if p.ID == c.Runner.Local {
			q.Rebase(p.LastCommandIndex)
			// A gap after the server's cursor (the queue was reset while
			// awaiting this state) can never be filled: restart numbering.
			if _, ok := q.Get(p.LastCommandIndex + 1); !ok && q.LatestIndex() > p.LastCommandIndex {
				q.Reset(p.LastCommandIndex)
			}
		} else {
			q.Reset(p.LastCommandIndex)
		}
	}
	for _, id := range c.Runner.Queues.IDs() {
		if !present[id] && id != c.Runner.Local {
			c.Runner.Queues.Remove(id)
			c.Server.ForgetPlayer(id)
		}
	}
	c.Store.EvictBefore(st.Tic)
	if c.View != nil {
		c.View.ResetViewInterpolation()
	}
}

// replay re-runs tics base+1 through syncTic from the buffered commands.
// It returns how many tics ran and whether the result matched the server.
func (c *Controller) replay(base, latest *game.State, latestSnap state.Snapshot, syncTic int) (int, bool, error) {
	r := c.Runner
	base.Tic++
	r.State = base
	r.RestoreCursors()

	r.SetMode(runner.ModeSynchronizing)
	if c.View != nil {
		c.View.ResetViewInterpolation()
	}
	ran := 0
	for r.State.Tic <= syncTic {
		if err := r.RunOneTic(); err != nil {
			r.SetMode(runner.ModePredicting)
			return ran, false, eris.Wrapf(ErrFatalDesync, "replay tic %d: %v", r.State.Tic, err)
		}
		ran++
		c.interpolate()
	}
	r.SetMode(runner.ModePredicting)

	if r.State.Tic != syncTic+1 {
		c.log.Warnw("synchronization incomplete", "tic", r.State.Tic, "sync_tic", syncTic)
	}

	// Every player the server kept must have run as far as the server did;
	// anything less means a command never reached us.
	for i := range latest.Players {
		want := latest.Players[i]
		got := r.State.Player(want.ID)
		if got == nil {
			continue
		}
		if got.LastCommandIndex < want.LastCommandIndex {
			return ran, false, eris.Wrapf(ErrFatalDesync, "%v: player %d replayed to command %d, server ran %d",
				runner.ErrMissingCommand, want.ID, got.LastCommandIndex, want.LastCommandIndex)
		}
	}

	r.State.Tic--
	match := game.Digest(r.State) == latestSnap.Digest()
	r.State.Tic++
	if !match {
		c.log.Debugw("replay diverged from server state", "tic", syncTic)
	}
	return ran, match, nil
}

func (c *Controller) interpolate() {
	if c.View == nil {
		return
	}
	if p := c.Runner.State.Player(c.Runner.Local); p != nil {
		c.View.InterpolateView(p)
	}
}

// applyNewGameState applies a game state deferred by SetNewGameState.
func (c *Controller) applyNewGameState() {
	gs := c.newGameState
	if gs == game.GameStateNone {
		return
	}
	c.newGameState = game.GameStateNone
	st := c.Runner.State
	if gs != game.GameStateLevel && st.GameState == game.GameStateLevel && c.OnExitLevel != nil {
		c.OnExitLevel()
	}
	st.GameState = gs
}

// Repredict re-runs the local player's commands the server has not run
// yet on top of the adopted state. The window covers exactly the tics it
// runs.
func (c *Controller) Repredict() (int, error) {
	r := c.Runner
	st := r.State
	if st == nil || st.Tic < 0 || st.Player(r.Local) == nil {
		return 0, nil
	}
	q := r.Queues.Get(r.Local)
	if q == nil {
		return 0, nil
	}
	latest := q.LatestIndex()
	if latest == 0 || q.LatestRunIndex() >= latest {
		return 0, nil
	}
	span := int(latest - q.LatestRunIndex())
	r.Window.Begin(st.Tic, st.Tic+span-1)
	r.SetMode(runner.ModeRepredicting)
	defer func() {
		r.SetMode(runner.ModePredicting)
		r.Window.End()
	}()

	c.log.Debugw("repredicting", "from", q.LatestRunIndex(), "to", latest, "tic", st.Tic)
	ran := 0
	for q.LatestRunIndex() < latest {
		if err := r.RunOneTic(); err != nil {
			return ran, eris.Wrapf(ErrFatalDesync, "repredict tic %d: %v", r.State.Tic, err)
		}
		ran++
		c.interpolate()
		if ran > span {
			return ran, eris.Wrapf(ErrFatalDesync, "reprediction stalled at command %d", q.LatestRunIndex())
		}
	}
	return ran, nil
}
