package server

import "ticksync.dev/internal/protocol"

// TicEntry records one authoritative tic: enough to re-run it from the
// previous snapshot and check the result.
type TicEntry struct {
	Tic       int                       `json:"tic"`
	Digest    string                    `json:"digest"`
	GameState string                    `json:"game_state,omitempty"`
	Joins     []JoinEntry               `json:"joins,omitempty"`
	Leaves    []uint32                  `json:"leaves,omitempty"`
	Commands  []protocol.PlayerCommands `json:"commands,omitempty"`
}

type JoinEntry struct {
	Player uint32 `json:"player"`
	Name   string `json:"name"`
}

type TicLogger interface {
	WriteTic(entry TicEntry) error
}

// Event is a change in who is seated or how a peer is synchronized.
type Event struct {
	Tic    int    `json:"tic"`
	Kind   string `json:"kind"`
	Player uint32 `json:"player"`
	Detail string `json:"detail,omitempty"`
}

const (
	EventJoin       = "join"
	EventResume     = "resume"
	EventDisconnect = "disconnect"
	EventLeave      = "leave"
	EventLagged     = "lagged"
	EventFullState  = "full_state_request"
)

type EventLogger interface {
	WriteEvent(e Event) error
}
