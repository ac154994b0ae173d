package protocol

import (
	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/state"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
	ResumeToken     string `json:"resume_token,omitempty"`
}

// SETUP (server -> client): the game info a peer needs before any state.
type SetupMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	PlayerID        uint32       `json:"player_id"`
	SessionID       string       `json:"session_id"`
	ResumeToken     string       `json:"resume_token"`
	TicRateHz       int          `json:"tic_rate_hz"`
	Episode         int          `json:"episode"`
	Map             int          `json:"map"`
	Skill           int          `json:"skill"`
	Players         []PlayerInfo `json:"players"`
}

type PlayerInfo struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// DELTA (server -> client)
type DeltaMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	FromTic         int    `json:"from_tic"`
	ToTic           int    `json:"to_tic"`
	Full            bool   `json:"full,omitempty"`
	// Digest is the hex sha256 of the target snapshot.
	Digest string `json:"digest"`
	// Data is zstd; encoding/json carries it as base64.
	Data []byte `json:"data"`
	// CommandIndex is the receiver's latest command the server has run.
	CommandIndex uint32           `json:"command_index"`
	Commands     []PlayerCommands `json:"commands,omitempty"`
	GameState    string           `json:"game_state,omitempty"`
}

// PlayerCommands relays commands the server ran, stamped with server_tic.
type PlayerCommands struct {
	Player   uint32            `json:"player"`
	Commands []command.Command `json:"commands"`
}

// COMMANDS (client -> server)
type CommandsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// SyncTic is the newest state the client holds; -1 asks for a full one.
	SyncTic  int               `json:"sync_tic"`
	Commands []command.Command `json:"commands"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewDeltaMsg(d state.Delta) DeltaMsg {
	return DeltaMsg{
		Type:            TypeDelta,
		ProtocolVersion: Version,
		FromTic:         d.FromTic,
		ToTic:           d.ToTic,
		Full:            d.Full,
		Digest:          d.Digest,
		Data:            d.Data,
	}
}

func (m DeltaMsg) StateDelta() state.Delta {
	from := m.FromTic
	if m.Full {
		from = -1
	}
	return state.Delta{FromTic: from, ToTic: m.ToTic, Full: m.Full, Digest: m.Digest, Data: m.Data}
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
