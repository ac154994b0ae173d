package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/tuning"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tune := tuning.Defaults()
	tune.Sync.MaxPeerLagTics = 10
	tune.SaveEveryTics = 0
	s, err := New(Config{Tuning: tune, ResumeGraceTics: 5}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func joinPeer(t *testing.T, s *Server, name string) (command.PlayerID, chan []byte) {
	t.Helper()
	out := make(chan []byte, 64)
	resp := make(chan JoinResponse, 1)
	s.Step([]JoinRequest{{Name: name, Out: out, Resp: resp}}, nil, nil)
	r := <-resp
	if r.Err != nil {
		t.Fatalf("join %s: %s", name, r.Err.Code)
	}
	if r.Setup.PlayerID == 0 || r.Setup.SessionID != s.SessionID() || r.Setup.ResumeToken == "" {
		t.Fatalf("setup %+v", r.Setup)
	}
	return command.PlayerID(r.Setup.PlayerID), out
}

type received struct {
	deltas []protocol.DeltaMsg
	errors []protocol.ErrorMsg
}

func drainOut(t *testing.T, out chan []byte) received {
	t.Helper()
	var r received
	for {
		select {
		case b := <-out:
			base, err := protocol.DecodeBase(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			switch base.Type {
			case protocol.TypeDelta:
				var m protocol.DeltaMsg
				if err := json.Unmarshal(b, &m); err != nil {
					t.Fatalf("decode DELTA: %v", err)
				}
				r.deltas = append(r.deltas, m)
			case protocol.TypeError:
				var m protocol.ErrorMsg
				if err := json.Unmarshal(b, &m); err != nil {
					t.Fatalf("decode ERROR: %v", err)
				}
				r.errors = append(r.errors, m)
			default:
				t.Fatalf("unexpected %s", base.Type)
			}
		default:
			return r
		}
	}
}

func ack(id command.PlayerID, syncTic int, cmds ...command.Command) CommandsEnvelope {
	return CommandsEnvelope{Player: id, Msg: protocol.CommandsMsg{
		Type:            protocol.TypeCommands,
		ProtocolVersion: protocol.Version,
		SyncTic:         syncTic,
		Commands:        cmds,
	}}
}

func TestJoin_SendsFullStateUntilAcked(t *testing.T) {
	s := newTestServer(t)
	id, out := joinPeer(t, s, "alice")

	if s.runner.State.Player(id) == nil {
		t.Fatalf("player %d not in state", id)
	}
	r := drainOut(t, out)
	if len(r.deltas) != 1 || !r.deltas[0].Full || r.deltas[0].FromTic != -1 || r.deltas[0].ToTic != 1 {
		t.Fatalf("first deltas %+v", r.deltas)
	}

	// Without an ack the full state is not repeated every tic.
	s.Step(nil, nil, nil)
	if r := drainOut(t, out); len(r.deltas) != 0 {
		t.Fatalf("full state repeated after one tic: %d", len(r.deltas))
	}

	// An ack for an older state does not count.
	s.Step(nil, nil, []CommandsEnvelope{ack(id, 0)})
	if !s.peers[id].sync.NeedsGameState() {
		t.Fatalf("stale ack cleared game state request")
	}
	drainOut(t, out)

	s.Step(nil, nil, []CommandsEnvelope{ack(id, 1)})
	p := s.peers[id]
	if p.sync.NeedsGameState() || p.sync.SyncTic() != 1 {
		t.Fatalf("after ack: needs=%v tic=%d", p.sync.NeedsGameState(), p.sync.SyncTic())
	}
	r = drainOut(t, out)
	if len(r.deltas) != 1 || r.deltas[0].Full || r.deltas[0].FromTic != 1 || r.deltas[0].ToTic != 4 {
		t.Fatalf("delta after ack %+v", r.deltas)
	}
}

func TestStep_RelaysEveryPlayersCommands(t *testing.T) {
	s := newTestServer(t)
	a, outA := joinPeer(t, s, "alice")
	b, outB := joinPeer(t, s, "bob")
	drainOut(t, outA)
	drainOut(t, outB)

	// Both ack the newest state (2) and send one command each.
	s.Step(nil, nil, []CommandsEnvelope{
		ack(a, 2, command.Command{Index: 1, Tic: 3, Forward: 20}),
		ack(b, 2, command.Command{Index: 1, Tic: 3, Side: -10}),
	})

	r := drainOut(t, outA)
	if len(r.deltas) != 1 {
		t.Fatalf("alice got %d deltas", len(r.deltas))
	}
	d := r.deltas[0]
	if d.FromTic != 2 || d.ToTic != 3 || d.CommandIndex != 1 {
		t.Fatalf("delta %d->%d index %d", d.FromTic, d.ToTic, d.CommandIndex)
	}
	if len(d.Commands) != 2 {
		t.Fatalf("relayed %+v", d.Commands)
	}
	if pa := s.peers[a]; pa.sync.SyncCommandIndex() != 1 || pa.sync.CommandIndexFor(b) != 1 {
		t.Fatalf("reported index %d, relayed bob index %d", pa.sync.SyncCommandIndex(), pa.sync.CommandIndexFor(b))
	}
	for _, pc := range d.Commands {
		if len(pc.Commands) != 1 || pc.Commands[0].ServerTic != 3 || pc.Commands[0].Index != 1 {
			t.Fatalf("player %d relay %+v", pc.Player, pc.Commands)
		}
	}

	// Once both acked tic 3, nothing before it is kept.
	drainOut(t, outB)
	s.Step(nil, nil, []CommandsEnvelope{ack(a, 3), ack(b, 3)})
	if oldest := s.store.Oldest(); oldest != 3 {
		t.Fatalf("oldest snapshot %d want 3", oldest)
	}
	s.Step(nil, nil, []CommandsEnvelope{ack(a, 4), ack(b, 4)})
	if n := s.runner.Queues.Get(a).Len(); n != 0 {
		t.Fatalf("synchronized commands kept: %d", n)
	}
}

func TestSendUpdates_ReportsRunCommandsAtAckedTic(t *testing.T) {
	s := newTestServer(t)
	a, out := joinPeer(t, s, "alice")
	drainOut(t, out)
	s.Step(nil, nil, []CommandsEnvelope{ack(a, 2, command.Command{Index: 1, Tic: 3, Forward: 20})})
	drainOut(t, out)

	p := s.peers[a]
	latest := s.store.Latest()
	p.sync.UpdateTic(latest)
	s.sendUpdates()
	if r := drainOut(t, out); len(r.deltas) != 0 || p.sync.Outdated() {
		t.Fatalf("synced peer got %d deltas, outdated=%v", len(r.deltas), p.sync.Outdated())
	}

	q := s.runner.Queues.Get(a)
	q.Receive(command.Command{Index: 2, Tic: latest + 1})
	q.MarkRun(2)

	// A full backlog drops the delta; the peer stays outdated.
	for len(out) < cap(out) {
		out <- nil
	}
	s.sendUpdates()
	if !p.sync.Outdated() || p.sync.SyncCommandIndex() != 1 {
		t.Fatalf("outdated=%v reported=%d after dropped delta", p.sync.Outdated(), p.sync.SyncCommandIndex())
	}
	for len(out) > 0 {
		<-out
	}

	s.sendUpdates()
	r := drainOut(t, out)
	if len(r.deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(r.deltas))
	}
	if d := r.deltas[0]; d.FromTic != latest || d.ToTic != latest || d.CommandIndex != 2 {
		t.Fatalf("delta %d->%d index %d", d.FromTic, d.ToTic, d.CommandIndex)
	}
	if p.sync.Outdated() || p.sync.SyncCommandIndex() != 2 {
		t.Fatalf("outdated=%v reported=%d", p.sync.Outdated(), p.sync.SyncCommandIndex())
	}
}

func TestStep_MetricsCountOutOfOrderCommands(t *testing.T) {
	s := newTestServer(t)
	id, out := joinPeer(t, s, "alice")
	drainOut(t, out)

	s.Step(nil, nil, []CommandsEnvelope{ack(id, 2,
		command.Command{Index: 2, Tic: 3},
		command.Command{Index: 3, Tic: 4},
	)})
	if n := s.Metrics().OutOfOrder; n != 2 {
		t.Fatalf("out of order=%d want 2", n)
	}
	s.Step(nil, nil, []CommandsEnvelope{ack(id, 2, command.Command{Index: 1, Tic: 3})})
	if n := s.Metrics().OutOfOrder; n != 0 {
		t.Fatalf("out of order=%d after gap filled", n)
	}
}

func TestStep_CommandLimitDrainsBacklog(t *testing.T) {
	s := newTestServer(t)
	id, out := joinPeer(t, s, "alice")
	drainOut(t, out)

	var cmds []command.Command
	for i := 1; i <= 20; i++ {
		cmds = append(cmds, command.Command{Index: uint32(i), Tic: 2 + i})
	}
	s.Step(nil, nil, []CommandsEnvelope{ack(id, 1, cmds...)})
	q := s.runner.Queues.Get(id)
	if got, want := q.LatestRunIndex(), uint32(s.tune.Sync.CommandLimit); got != want {
		t.Fatalf("ran %d commands with a backlog, want %d", got, want)
	}
	for s.runner.Queues.Get(id).Backlog() > 0 {
		s.Step(nil, nil, nil)
	}
	if q.LatestRunIndex() != 20 {
		t.Fatalf("latest run %d", q.LatestRunIndex())
	}
}

func TestStep_LaggedPeerGetsFullState(t *testing.T) {
	s := newTestServer(t)
	id, out := joinPeer(t, s, "alice")
	drainOut(t, out)
	s.Step(nil, nil, []CommandsEnvelope{ack(id, 1)})
	drainOut(t, out)

	for i := 0; i < s.tune.Sync.MaxPeerLagTics; i++ {
		s.Step(nil, nil, nil)
	}
	r := drainOut(t, out)
	if len(r.errors) != 1 || r.errors[0].Code != protocol.ErrPeerLagged {
		t.Fatalf("errors %+v", r.errors)
	}
	last := r.deltas[len(r.deltas)-1]
	if !last.Full || last.ToTic != s.store.Latest() {
		t.Fatalf("last delta %d->%d full=%v", last.FromTic, last.ToTic, last.Full)
	}
	if !s.peers[id].sync.NeedsGameState() {
		t.Fatalf("lagged peer not awaiting game state")
	}
	if s.Metrics().LaggedResets != 1 {
		t.Fatalf("metrics %+v", s.Metrics())
	}
}

func TestStep_FullStateRequestedByPeer(t *testing.T) {
	s := newTestServer(t)
	id, out := joinPeer(t, s, "alice")
	drainOut(t, out)
	s.Step(nil, nil, []CommandsEnvelope{ack(id, 1)})
	drainOut(t, out)

	s.Step(nil, nil, []CommandsEnvelope{ack(id, -1)})
	r := drainOut(t, out)
	if len(r.deltas) != 1 || !r.deltas[0].Full {
		t.Fatalf("deltas %+v", r.deltas)
	}
}

func TestSeats_ResumeWithinGrace(t *testing.T) {
	s := newTestServer(t)
	id, out := joinPeer(t, s, "alice")
	token := s.peers[id].token

	s.Step(nil, []LeaveRequest{{Player: id, Out: out}}, nil)
	if s.peers[id].connected() || s.runner.State.Player(id) == nil {
		t.Fatalf("disconnected player must keep the seat")
	}

	out2 := make(chan []byte, 64)
	resp := make(chan JoinResponse, 1)
	s.handleAttach(AttachRequest{ResumeToken: token, Out: out2, Resp: resp})
	r := <-resp
	if r.Err != nil || command.PlayerID(r.Setup.PlayerID) != id {
		t.Fatalf("attach %+v", r)
	}

	// The old connection's late leave must not unseat the resumed peer.
	s.Step(nil, []LeaveRequest{{Player: id, Out: out}}, nil)
	if !s.peers[id].connected() {
		t.Fatalf("stale leave disconnected resumed peer")
	}
	if d := drainOut(t, out2).deltas; len(d) != 1 || !d[0].Full {
		t.Fatalf("resumed peer deltas %+v", d)
	}

	bad := make(chan JoinResponse, 1)
	s.handleAttach(AttachRequest{ResumeToken: "nope", Out: out2, Resp: bad})
	if r := <-bad; r.Err == nil || r.Err.Code != protocol.ErrBadResume {
		t.Fatalf("bad token accepted")
	}
}

func TestSeats_ExpireAfterGrace(t *testing.T) {
	s := newTestServer(t)
	log := &memTicLog{}
	s.SetTicLogger(log)
	events := &memEvents{}
	s.SetEventLogger(events)
	id, out := joinPeer(t, s, "alice")

	s.Step(nil, []LeaveRequest{{Player: id, Out: out}}, nil)
	for i := 0; i < s.grace; i++ {
		s.Step(nil, nil, nil)
	}
	if _, ok := s.peers[id]; ok || s.runner.State.Player(id) != nil || s.runner.Queues.Get(id) != nil {
		t.Fatalf("seat not released")
	}
	var leaves int
	for _, e := range log.entries {
		leaves += len(e.Leaves)
	}
	if leaves != 1 {
		t.Fatalf("logged leaves %d", leaves)
	}
	var kinds []string
	for _, e := range events.entries {
		if e.Player != uint32(id) {
			t.Fatalf("event for player %d", e.Player)
		}
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 3 || kinds[0] != EventJoin || kinds[1] != EventDisconnect || kinds[2] != EventLeave {
		t.Fatalf("events %v", kinds)
	}
}

type memEvents struct{ entries []Event }

func (m *memEvents) WriteEvent(e Event) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestJoin_ServerFull(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < s.tune.MaxPlayers; i++ {
		joinPeer(t, s, "p")
	}
	resp := make(chan JoinResponse, 1)
	s.Step([]JoinRequest{{Name: "late", Out: make(chan []byte, 1), Resp: resp}}, nil, nil)
	if r := <-resp; r.Err == nil || r.Err.Code != protocol.ErrServerFull {
		t.Fatalf("join past max players: %+v", r)
	}
}

type memTicLog struct{ entries []TicEntry }

func (m *memTicLog) WriteTic(e TicEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestTicLogAndSaveGames(t *testing.T) {
	tune := tuning.Defaults()
	tune.SaveEveryTics = 4
	s, err := New(Config{Tuning: tune}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := &memTicLog{}
	s.SetTicLogger(log)
	saves := make(chan snapshot.SaveGame, 4)
	s.SetSaveSink(saves)

	id, _ := joinPeer(t, s, "alice")
	s.Step(nil, nil, []CommandsEnvelope{ack(id, 1, command.Command{Index: 1, Tic: 2, Forward: 5})})
	for i := 0; i < 6; i++ {
		s.Step(nil, nil, nil)
	}

	if len(log.entries) != 8 {
		t.Fatalf("tic log entries %d", len(log.entries))
	}
	first := log.entries[0]
	if first.Tic != 1 || len(first.Joins) != 1 || first.Joins[0].Name != "alice" {
		t.Fatalf("first entry %+v", first)
	}
	if e := log.entries[1]; len(e.Commands) != 1 || e.Commands[0].Player != uint32(id) {
		t.Fatalf("second entry %+v", e)
	}
	for i, e := range log.entries {
		snap, ok := s.store.Get(e.Tic)
		if ok && snap.Digest() != e.Digest {
			t.Fatalf("entry %d digest differs from snapshot", i)
		}
	}

	select {
	case sg := <-saves:
		if sg.Header.Tic != 4 || len(sg.Header.Players) != 1 || sg.Header.Players[0].Name != "alice" {
			t.Fatalf("save header %+v", sg.Header)
		}
		resumed, err := NewFromSave(Config{Tuning: tune, ResumeGraceTics: 10}, sg, nil)
		if err != nil {
			t.Fatalf("NewFromSave: %v", err)
		}
		if resumed.runner.State.Tic != 5 || resumed.runner.State.Player(id) == nil {
			t.Fatalf("resumed at tic %d", resumed.runner.State.Tic)
		}
		if resumed.SessionID() == s.SessionID() {
			t.Fatalf("resumed server reused the session id")
		}
		resp := make(chan JoinResponse, 1)
		resumed.handleAttach(AttachRequest{ResumeToken: sg.Header.Players[0].ResumeToken, Out: make(chan []byte, 8), Resp: resp})
		if r := <-resp; r.Err != nil {
			t.Fatalf("resume after restart: %s", r.Err.Code)
		}
	default:
		t.Fatalf("no save game produced")
	}
}

func TestRun_RequestSaveBetweenTics(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	out := make(chan []byte, 64)
	resp := make(chan JoinResponse, 1)
	s.Join() <- JoinRequest{Name: "alice", Out: out, Resp: resp}
	if r := <-resp; r.Err != nil {
		t.Fatalf("join: %s", r.Err.Code)
	}

	sg, err := s.RequestSave(ctx)
	if err != nil {
		t.Fatalf("RequestSave: %v", err)
	}
	if sg.Header.SessionID != s.SessionID() || sg.Header.Tic < 1 || len(sg.Header.Players) != 1 || len(sg.State) == 0 {
		t.Fatalf("save header %+v", sg.Header)
	}

	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
