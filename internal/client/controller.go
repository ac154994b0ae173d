// Package client keeps a predicting simulation in step with the
// authoritative server.
package client

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/netsync"
	"ticksync.dev/internal/sim/game"
	"ticksync.dev/internal/sim/runner"
	"ticksync.dev/internal/sim/state"
)

// SoundLog is the part of the sound gate the controller maintains.
type SoundLog interface {
	ResetSoundLog()
	TrimSoundLog(tic int, commandIndex uint32) int
}

// Report describes one completed resync.
type Report struct {
	FromTic int
	ToTic   int
	Full    bool
	// TicsReplayed counts tics re-run from the base snapshot.
	TicsReplayed int
	// ReplayDigestMatch is true when the replay reproduced the server's
	// snapshot exactly. It is always true for full states.
	ReplayDigestMatch bool
	Repredicted       int
}

// Controller adopts server states. It runs entirely on the simulation
// thread.
type Controller struct {
	Runner *runner.Runner
	Store  *state.Store
	Server *netsync.Tracker
	Loader game.LevelLoader

	View  game.View
	Sound SoundLog
	// OnExitLevel runs when a deferred game state leaves a level.
	OnExitLevel func()
	// MaxResyncFailures is how many consecutive failed attempts are
	// tolerated before a full state is requested. 0 never escalates.
	MaxResyncFailures int

	loadingState bool
	stateTic     int
	newGameState game.GameState
	needsInitNew bool
	failures     int
	last         Report

	log *zap.SugaredLogger
}

func NewController(r *runner.Runner, store *state.Store, server *netsync.Tracker, loader game.LevelLoader, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		Runner:       r,
		Store:        store,
		Server:       server,
		Loader:       loader,
		stateTic:     netsync.NoSyncTic,
		needsInitNew: true,
		log:          logging.OrNop(logger),
	}
}

func (c *Controller) LoadingState() bool  { return c.loadingState }
func (c *Controller) Synchronizing() bool { return c.Runner.Mode() == runner.ModeSynchronizing }
func (c *Controller) Repredicting() bool  { return c.Runner.Window.Active() }

// StateTic is the tic of the last server state adopted, or -1.
func (c *Controller) StateTic() int { return c.stateTic }

// HasState reports whether a server state has been adopted since the
// last reset.
func (c *Controller) HasState() bool { return c.stateTic >= 0 && c.Runner.State != nil }

func (c *Controller) LastReport() Report { return c.last }

// OccurredDuringReprediction reports whether tic is being re-simulated
// by an active reprediction.
func (c *Controller) OccurredDuringReprediction(tic int) bool {
	return c.Runner.Window.OccurredDuring(tic)
}

// MarkServerOutdated makes the next frame send our acknowledgement even
// without new commands.
func (c *Controller) MarkServerOutdated() { c.Server.MarkOutdated() }

// CheckServerCommands flags the server outdated while it has not
// acknowledged the newest local command.
func (c *Controller) CheckServerCommands() {
	if q := c.Runner.Queues.Get(c.Runner.Local); q != nil {
		c.Server.CheckCommandIndex(q.LatestIndex())
	}
}

// SetNewGameState defers a game-state change to the end of the next
// resync. Anything but a playable state is ignored.
func (c *Controller) SetNewGameState(gs game.GameState) {
	switch gs {
	case game.GameStateLevel, game.GameStateIntermission, game.GameStateFinale:
		c.newGameState = gs
	}
}

// ResetSync forgets everything learned from the server. The next state
// adopted re-initialises the level.
func (c *Controller) ResetSync() {
	c.stateTic = netsync.NoSyncTic
	c.Runner.Window.End()
	c.Runner.SetMode(runner.ModePredicting)
	for _, id := range c.Runner.Queues.IDs() {
		if id == c.Runner.Local {
			// Keep the index counter: the server already saw those indices.
			q := c.Runner.Queues.Get(id)
			q.Reset(q.LatestIndex())
			continue
		}
		c.Runner.Queues.Remove(id)
	}
	c.Store.Clear()
	c.Server.ResetSync()
	c.Server.SetHasGameInfo()
	c.needsInitNew = true
	c.failures = 0
	c.newGameState = game.GameStateNone
}

// CheckForStateUpdates runs a resync when a new server delta is waiting,
// followed by reprediction. Recoverable failures are logged and swallowed;
// the returned error is always fatal.
func (c *Controller) CheckForStateUpdates() error {
	if !c.Server.Updated() {
		return nil
	}
	savedTic := -1
	if c.Runner.State != nil {
		savedTic = c.Runner.State.Tic
	}
	rep, err := c.PerformResync()
	if err != nil {
		if eris.Is(err, ErrRecoverable) {
			c.log.Warnw("resync failed", "err", err, "failures", c.failures)
			return nil
		}
		c.log.Errorw("resync fatal", "err", err)
		return err
	}
	if c.Runner.State.GameState == game.GameStateLevel {
		n, err := c.Repredict()
		rep.Repredicted = n
		if err != nil {
			c.log.Errorw("reprediction fatal", "err", err)
			return err
		}
	}
	c.last = rep
	c.log.Debugw("resync",
		"from", rep.FromTic, "to", rep.ToTic, "full", rep.Full,
		"replayed", rep.TicsReplayed, "match", rep.ReplayDigestMatch,
		"repredicted", rep.Repredicted, "was", savedTic, "now", c.Runner.State.Tic)
	return nil
}
