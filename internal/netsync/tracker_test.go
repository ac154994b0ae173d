package netsync

import (
	"testing"

	"ticksync.dev/internal/sim/state"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := New()
	if tr.Status() != StatusAwaitingGameInfo || tr.SyncTic() != NoSyncTic {
		t.Fatalf("initial status=%v tic=%d", tr.Status(), tr.SyncTic())
	}
	tr.SetHasGameInfo()
	if tr.Status() != StatusAwaitingGameState {
		t.Fatalf("status=%v want AWAITING_GAME_STATE", tr.Status())
	}
	tr.SetHasGameState()
	if tr.Status() != StatusSynced {
		t.Fatalf("status=%v want SYNCED", tr.Status())
	}
	tr.MarkOutdated()
	if tr.Status() != StatusOutdated {
		t.Fatalf("status=%v want OUTDATED", tr.Status())
	}
	if !tr.UpdateStateDelta(state.Delta{FromTic: 0, ToTic: 10}) {
		t.Fatalf("delta rejected")
	}
	if tr.Status() != StatusDeltaPending || tr.SyncTic() != 10 {
		t.Fatalf("status=%v tic=%d", tr.Status(), tr.SyncTic())
	}
	tr.SetNotUpdated()
	tr.SetNotOutdated()
	if tr.Status() != StatusSynced {
		t.Fatalf("status=%v want SYNCED", tr.Status())
	}

	tr.UpdateCommandIndex(40)
	tr.ResetSync()
	if tr.Status() != StatusAwaitingGameInfo || tr.SyncTic() != NoSyncTic || tr.SyncCommandIndex() != 0 {
		t.Fatalf("ResetSync left %v tic=%d idx=%d", tr.Status(), tr.SyncTic(), tr.SyncCommandIndex())
	}
	if d := tr.StateDelta(); !d.Empty() || d.ToTic != NoSyncTic {
		t.Fatalf("ResetSync kept delta %+v", d)
	}
}

func TestTracker_MonotonicUpdates(t *testing.T) {
	tr := New()
	if !tr.UpdateCommandIndex(5) || tr.UpdateCommandIndex(4) || tr.UpdateCommandIndex(5) {
		t.Fatalf("command index must only grow")
	}
	if tr.SyncCommandIndex() != 5 {
		t.Fatalf("index=%d", tr.SyncCommandIndex())
	}
	tr.UpdateTic(30)
	if tr.UpdateTic(29) || tr.SyncTic() != 30 {
		t.Fatalf("tic must only grow")
	}
	if tr.UpdateStateDelta(state.Delta{FromTic: 10, ToTic: 30}) {
		t.Fatalf("stale delta accepted")
	}
	if tr.Updated() {
		t.Fatalf("stale delta must not set updated")
	}
	if !tr.UpdateCommandIndexFor(2, 9) || tr.UpdateCommandIndexFor(2, 3) || tr.CommandIndexFor(2) != 9 {
		t.Fatalf("per-player index must only grow")
	}
}

func TestTracker_CheckCommandIndex(t *testing.T) {
	tr := New()
	tr.SetHasGameInfo()
	tr.SetHasGameState()
	tr.UpdateCommandIndex(10)
	tr.CheckCommandIndex(10)
	if tr.Outdated() {
		t.Fatalf("caught-up peer marked outdated")
	}
	tr.CheckCommandIndex(11)
	if !tr.Outdated() {
		t.Fatalf("lagging peer not marked outdated")
	}
}

func TestTracker_ResetRestoresBookkeeping(t *testing.T) {
	tr := New()
	tr.UpdateStateDelta(state.Delta{FromTic: 900, ToTic: 950, Data: []byte{1}})
	tr.SetNotUpdated()
	tr.UpdateStateDelta(state.Delta{FromTic: 950, ToTic: 980, Data: []byte{2}})

	tr.Reset(950, 900, 950)
	if tr.SyncTic() != 950 {
		t.Fatalf("tic=%d want 950", tr.SyncTic())
	}
	d := tr.StateDelta()
	if d.FromTic != 900 || d.ToTic != 950 {
		t.Fatalf("delta bounds=%d..%d", d.FromTic, d.ToTic)
	}
	if !tr.Updated() {
		t.Fatalf("Reset must keep the updated flag for retry")
	}
}

func TestTracker_LagAndFullStateRequest(t *testing.T) {
	tr := New()
	tr.SetHasGameInfo()
	tr.SetHasGameState()
	tr.UpdateTic(100)
	if tr.TooLagged(240, 140) {
		t.Fatalf("lag of 140 is within limit")
	}
	if !tr.TooLagged(241, 140) {
		t.Fatalf("lag of 141 exceeds limit")
	}
	tr.RequestFullState()
	if tr.SyncTic() != NoSyncTic || tr.Status() != StatusAwaitingGameState {
		t.Fatalf("RequestFullState left tic=%d status=%v", tr.SyncTic(), tr.Status())
	}
}
