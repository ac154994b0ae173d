package sound

import (
	"sort"

	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
)

// SyncState is what the gate needs to know about the client's
// synchronization.
type SyncState interface {
	LoadingState() bool
	Synchronizing() bool
	Repredicting() bool
	// StateTic is the tic of the latest server state.
	StateTic() int
	OccurredDuringReprediction(tic int) bool
}

type played struct {
	ev    game.SoundEvent
	found bool
}

// Gate sits between the simulation and an Engine. Tics that are
// re-simulated during a resync produce the same sounds again; the gate
// remembers what it played and lets each sound through only once.
type Gate struct {
	Engine Engine
	Sync   SyncState
	Local  command.PlayerID

	log     []played
	skipped int
	logger  *zap.SugaredLogger
}

func NewGate(engine Engine, sync SyncState, local command.PlayerID, logger *zap.SugaredLogger) *Gate {
	if engine == nil {
		engine = SilentEngine{}
	}
	return &Gate{Engine: engine, Sync: sync, Local: local, logger: logging.OrNop(logger)}
}

// StartSound implements game.Effects.
func (g *Gate) StartSound(ev game.SoundEvent) {
	if g.Sync != nil {
		if g.Sync.LoadingState() {
			return
		}
		resim := g.Sync.Synchronizing() || g.Sync.Repredicting() || g.Sync.OccurredDuringReprediction(ev.Tic)
		if g.Sync.Synchronizing() && ev.Player != g.Local && ev.Tic <= g.Sync.StateTic() {
			g.skip(ev, "server sound")
			return
		}
		if (resim || ev.Origin != 0) && g.alreadyPlayed(ev) {
			g.skip(ev, "already played")
			return
		}
	}
	g.Engine.Play(ev)
	g.record(ev)
}

func (g *Gate) skip(ev game.SoundEvent, why string) {
	g.skipped++
	g.logger.Debugw("skip sound", "tic", ev.Tic, "sfx", ev.Sfx.String(), "origin", ev.Origin, "reason", why)
}

func (g *Gate) alreadyPlayed(ev game.SoundEvent) bool {
	for i := range g.log {
		p := &g.log[i]
		if p.ev.Origin != ev.Origin || p.ev.Sfx != ev.Sfx {
			continue
		}
		sameCommand := ev.CommandIndex != 0 && p.ev.Player == ev.Player && p.ev.CommandIndex == ev.CommandIndex
		if p.ev.Tic != ev.Tic && !sameCommand {
			continue
		}
		p.found = true
		return true
	}
	return false
}

// record keeps the log ordered by tic, then command index.
func (g *Gate) record(ev game.SoundEvent) {
	i := sort.Search(len(g.log), func(i int) bool {
		e := g.log[i].ev
		if e.Tic != ev.Tic {
			return e.Tic > ev.Tic
		}
		return e.CommandIndex > ev.CommandIndex
	})
	g.log = append(g.log, played{})
	copy(g.log[i+1:], g.log[i:])
	g.log[i] = played{ev: ev}
}

// ResetSoundLog clears the found marks before a new resync pass.
func (g *Gate) ResetSoundLog() {
	for i := range g.log {
		g.log[i].found = false
	}
}

// TrimSoundLog forgets sounds older than both tic and commandIndex; those
// tics will never be simulated again.
func (g *Gate) TrimSoundLog(tic int, commandIndex uint32) int {
	n := 0
	for n < len(g.log) {
		e := g.log[n].ev
		if e.Tic >= tic || e.CommandIndex >= commandIndex {
			break
		}
		n++
	}
	g.log = append(g.log[:0], g.log[n:]...)
	return n
}

func (g *Gate) LogLen() int { return len(g.log) }

// Unmatched counts logged sounds after tic that the last resync did not
// reproduce: sounds the prediction played but the server never made.
func (g *Gate) Unmatched(afterTic int) int {
	n := 0
	for _, p := range g.log {
		if p.ev.Tic > afterTic && !p.found {
			n++
		}
	}
	return n
}

// Skipped counts sounds suppressed as repeats.
func (g *Gate) Skipped() int { return g.skipped }
