// Package netsync tracks what a remote peer has acknowledged: its sync
// tic, command index and the state delta in flight.
package netsync

import (
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/state"
)

type flags uint8

const (
	needsGameInfo flags = 1 << iota
	needsGameState
	outdated
	updated
)

type Status uint8

const (
	StatusSynced Status = iota
	StatusDeltaPending
	StatusOutdated
	StatusAwaitingGameInfo
	StatusAwaitingGameState
)

func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "SYNCED"
	case StatusDeltaPending:
		return "DELTA_PENDING"
	case StatusOutdated:
		return "OUTDATED"
	case StatusAwaitingGameInfo:
		return "AWAITING_GAME_INFO"
	case StatusAwaitingGameState:
		return "AWAITING_GAME_STATE"
	default:
		return "UNKNOWN"
	}
}

// NoSyncTic means no valid sync point exists yet.
const NoSyncTic = -1

// Tracker is one peer's sync record. Each side keeps its own view of the
// other. It is only touched from the simulation thread; the network layer
// hands data over through a queue.
type Tracker struct {
	flags        flags
	tic          int
	commandIndex uint32
	delta        state.Delta
	perPlayer    map[command.PlayerID]uint32
}

func New() *Tracker {
	t := &Tracker{}
	t.ResetSync()
	return t
}

// ResetSync returns the peer to AWAITING_GAME_INFO and forgets every
// acknowledgement.
func (t *Tracker) ResetSync() {
	t.flags = needsGameInfo | needsGameState
	t.tic = NoSyncTic
	t.commandIndex = 0
	t.delta = state.Delta{FromTic: NoSyncTic, ToTic: NoSyncTic}
	t.perPlayer = make(map[command.PlayerID]uint32)
}

// Status derives the externally visible state from the flags.
func (t *Tracker) Status() Status {
	switch {
	case t.flags&needsGameInfo != 0:
		return StatusAwaitingGameInfo
	case t.flags&needsGameState != 0:
		return StatusAwaitingGameState
	case t.flags&updated != 0:
		return StatusDeltaPending
	case t.flags&outdated != 0:
		return StatusOutdated
	default:
		return StatusSynced
	}
}

func (t *Tracker) NeedsGameInfo() bool  { return t.flags&needsGameInfo != 0 }
func (t *Tracker) SetHasGameInfo()      { t.flags &^= needsGameInfo }
func (t *Tracker) NeedsGameState() bool { return t.flags&needsGameState != 0 }
func (t *Tracker) SetHasGameState()     { t.flags &^= needsGameState }
func (t *Tracker) Outdated() bool       { return t.flags&outdated != 0 }
func (t *Tracker) MarkOutdated()        { t.flags |= outdated }
func (t *Tracker) SetNotOutdated()      { t.flags &^= outdated }
func (t *Tracker) Updated() bool        { return t.flags&updated != 0 }
func (t *Tracker) SetNotUpdated()       { t.flags &^= updated }

func (t *Tracker) SyncTic() int { return t.tic }

// UpdateTic raises the sync tic. Smaller values are ignored.
func (t *Tracker) UpdateTic(tic int) bool {
	if tic <= t.tic {
		return false
	}
	t.tic = tic
	return true
}

// RequestFullState drops the sync point so the next delta must be full.
func (t *Tracker) RequestFullState() {
	t.tic = NoSyncTic
	t.flags |= needsGameState
	t.flags &^= updated
}

func (t *Tracker) SyncCommandIndex() uint32 { return t.commandIndex }

// UpdateCommandIndex raises the acknowledged command index. Smaller values
// are ignored.
func (t *Tracker) UpdateCommandIndex(index uint32) bool {
	if index <= t.commandIndex {
		return false
	}
	t.commandIndex = index
	return true
}

// CheckCommandIndex marks the peer outdated when it has not acknowledged
// the latest produced command.
func (t *Tracker) CheckCommandIndex(latest uint32) {
	if t.commandIndex < latest {
		t.MarkOutdated()
	}
}

func (t *Tracker) CommandIndexFor(id command.PlayerID) uint32 { return t.perPlayer[id] }

func (t *Tracker) UpdateCommandIndexFor(id command.PlayerID, index uint32) bool {
	if index <= t.perPlayer[id] {
		return false
	}
	t.perPlayer[id] = index
	return true
}

func (t *Tracker) ForgetPlayer(id command.PlayerID) { delete(t.perPlayer, id) }

func (t *Tracker) StateDelta() state.Delta { return t.delta }

// UpdateStateDelta stores a newly received delta. A delta that does not
// move past the current sync tic is ignored. The sync tic jumps to the
// delta's target and the tracker becomes updated.
func (t *Tracker) UpdateStateDelta(d state.Delta) bool {
	if d.ToTic <= t.tic {
		return false
	}
	t.delta = d
	t.tic = d.ToTic
	t.flags |= updated
	return true
}

// SetStateDelta replaces the outbound delta without touching the sync tic.
func (t *Tracker) SetStateDelta(d state.Delta) { t.delta = d }

// Reset restores bookkeeping saved before a failed resync attempt. The
// delta payload stays so the attempt can be retried.
func (t *Tracker) Reset(tic, fromTic, toTic int) {
	t.tic = tic
	t.delta.FromTic = fromTic
	t.delta.ToTic = toTic
}

// TooLagged reports whether the peer trails current by more than maxLag.
func (t *Tracker) TooLagged(current, maxLag int) bool {
	return current-t.tic > maxLag
}
