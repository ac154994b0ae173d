package protocol_test

import (
	"encoding/json"
	"testing"

	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/state"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	validate := func(msg any) {
		t.Helper()
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := v.Validate(b); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	validate(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerName: "marine"})
	validate(protocol.SetupMsg{
		Type:            protocol.TypeSetup,
		ProtocolVersion: protocol.Version,
		PlayerID:        2,
		SessionID:       "5f0c9a52-7b43-4a5e-9d3c-2f4b8e6a1c70",
		ResumeToken:     "resume_2_abc",
		TicRateHz:       35,
		Episode:         1,
		Map:             1,
		Skill:           3,
		Players:         []protocol.PlayerInfo{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
	})

	d := protocol.NewDeltaMsg(state.Delta{
		FromTic: 950,
		ToTic:   980,
		Digest:  "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Data:    []byte{0x28, 0xb5, 0x2f, 0xfd},
	})
	d.CommandIndex = 40
	d.Commands = []protocol.PlayerCommands{{Player: 1, Commands: []command.Command{{Index: 40, Tic: 978, ServerTic: 980, Forward: 25}}}}
	d.GameState = "LEVEL"
	validate(d)

	validate(protocol.CommandsMsg{
		Type:            protocol.TypeCommands,
		ProtocolVersion: protocol.Version,
		SyncTic:         -1,
		Commands:        []command.Command{{Index: 41, Tic: 990, Buttons: command.ButtonAttack}},
	})
	validate(protocol.NewError(protocol.ErrPeerLagged, "too far behind"))
}

func TestSchemas_RejectMalformed(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	bad := []string{
		`{"type":"HELLO","protocol_version":"1.0"}`,
		`{"type":"HELLO","protocol_version":"1.0","player_name":"x","extra":1}`,
		`{"type":"COMMANDS","protocol_version":"1.0","sync_tic":-2,"commands":[]}`,
		`{"type":"COMMANDS","protocol_version":"1.0","sync_tic":3,"commands":[{"index":0,"tic":1}]}`,
		`{"type":"DELTA","protocol_version":"1.0","from_tic":1,"to_tic":2,"digest":"nothex","data":"","command_index":0}`,
		`{"type":"NOPE"}`,
		`not json`,
	}
	for _, b := range bad {
		if err := v.Validate([]byte(b)); err == nil {
			t.Fatalf("expected rejection: %s", b)
		}
	}
}

func TestDeltaMsg_RoundTripsStateDelta(t *testing.T) {
	in := state.Delta{FromTic: 7, ToTic: 9, Digest: "ab", Data: []byte{1, 2, 3}}
	b, err := json.Marshal(protocol.NewDeltaMsg(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m protocol.DeltaMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out := m.StateDelta()
	if out.FromTic != 7 || out.ToTic != 9 || out.Full || string(out.Data) != string(in.Data) {
		t.Fatalf("got %+v", out)
	}

	m.Full = true
	if full := m.StateDelta(); full.FromTic != -1 || !full.Full {
		t.Fatalf("full delta must have no base: %+v", full)
	}
}
