package client

import (
	"encoding/json"
	"testing"

	"ticksync.dev/internal/netsync"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/game"
	"ticksync.dev/internal/sim/state"
	"ticksync.dev/internal/sim/tuning"
)

type recordSender struct{ cmds []protocol.CommandsMsg }

func (s *recordSender) Send(v any) error {
	if m, ok := v.(protocol.CommandsMsg); ok {
		s.cmds = append(s.cmds, m)
	}
	return nil
}

func deliverJSON(t *testing.T, c *Client, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !c.Deliver(b) {
		t.Fatalf("inbox full")
	}
}

// joinedClient returns a client that has its setup and a full state for
// tic 0 waiting in the inbox.
func joinedClient(t *testing.T) (*Client, *recordSender) {
	t.Helper()
	tune := tuning.Defaults()
	out := &recordSender{}
	c := New(Config{Tuning: tune}, out, nil)
	deliverJSON(t, c, protocol.SetupMsg{
		Type: protocol.TypeSetup, ProtocolVersion: protocol.Version,
		PlayerID: 1, SessionID: "s1",
	})

	st, err := game.NewState(game.ProceduralLoader{Seed: tune.Level.Seed}, tune.Level.Episode, tune.Level.Map, tune.Level.Skill)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	st.AddPlayer(1)
	d, err := state.Compute(nil, state.Capture(st))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	deliverJSON(t, c, protocol.NewDeltaMsg(d))
	return c, out
}

func TestFrame_UnacknowledgedCommandsKeepServerOutdated(t *testing.T) {
	c, out := joinedClient(t)
	srv := c.Ctrl.Server

	if err := c.Frame(); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if len(out.cmds) != 1 || len(out.cmds[0].Commands) != 1 || out.cmds[0].Commands[0].Index != 1 {
		t.Fatalf("first send %+v", out.cmds)
	}
	if out.cmds[0].SyncTic != 0 {
		t.Fatalf("ack tic %d want 0", out.cmds[0].SyncTic)
	}
	if srv.Outdated() {
		t.Fatalf("still outdated after send")
	}

	// Command 1 is still unacknowledged.
	c.Ctrl.CheckServerCommands()
	if srv.Status() != netsync.StatusOutdated {
		t.Fatalf("status=%v want outdated", srv.Status())
	}

	srv.SetNotOutdated()
	srv.UpdateCommandIndex(1)
	c.Ctrl.CheckServerCommands()
	if srv.Outdated() {
		t.Fatalf("acknowledged command marked the server outdated")
	}

	if err := c.Frame(); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if len(out.cmds) != 2 {
		t.Fatalf("sent %d messages, want 2", len(out.cmds))
	}
	if got := out.cmds[1].Commands; len(got) != 1 || got[0].Index != 2 {
		t.Fatalf("second send %+v, want only command 2", got)
	}
}

func TestFrame_ResendsWithoutState(t *testing.T) {
	c, out := joinedClient(t)
	if err := c.Frame(); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	c.Ctrl.ResetSync()
	// The reset drops buffered commands but keeps the counter, so the
	// server is told where we stand even before a new state arrives.
	if err := c.Frame(); err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if len(out.cmds) != 2 {
		t.Fatalf("sent %d messages, want 2", len(out.cmds))
	}
	if last := out.cmds[1]; last.SyncTic != netsync.NoSyncTic || len(last.Commands) != 0 {
		t.Fatalf("resend %+v", last)
	}
}
