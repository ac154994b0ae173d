package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TicRateHz     int `yaml:"tic_rate_hz"`
	MaxPlayers    int `yaml:"max_players"`
	SaveEveryTics int `yaml:"save_every_tics"`

	Level Level `yaml:"level"`
	Sync  Sync  `yaml:"sync"`
}

type Level struct {
	Episode int `yaml:"episode"`
	Map     int `yaml:"map"`
	Skill   int `yaml:"skill"`
	// Seed feeds the procedural level loader.
	Seed int64 `yaml:"seed"`
}

type Sync struct {
	// MaxPeerLagTics is how far a peer's sync tic may trail the server
	// before it is forced back to a full state transfer.
	MaxPeerLagTics int `yaml:"max_peer_lag_tics"`
	// CommandBacklog is the per-player queue depth above which the server
	// runs CommandLimit commands in one tic instead of one.
	CommandBacklog int `yaml:"command_backlog"`
	CommandLimit   int `yaml:"command_limit"`
	// MaxResyncFailures consecutive failed resyncs make the client ask for
	// a full state.
	MaxResyncFailures int `yaml:"max_resync_failures"`
	// MaxSnapshots bounds the client's snapshot history.
	MaxSnapshots int `yaml:"max_snapshots"`
}

func Defaults() Tuning {
	const ticRate = 35
	return Tuning{
		ProtocolVersion: "1.0",
		TicRateHz:       ticRate,
		MaxPlayers:      4,
		SaveEveryTics:   ticRate * 60,
		Level: Level{
			Episode: 1,
			Map:     1,
			Skill:   3,
			Seed:    1993,
		},
		Sync: Sync{
			MaxPeerLagTics:    ticRate * 4,
			CommandBacklog:    ticRate / 4,
			CommandLimit:      2,
			MaxResyncFailures: 5,
			MaxSnapshots:      ticRate * 8,
		},
	}
}

// Load reads path over Defaults; keys missing from the file keep their
// default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TicRateHz <= 0 || t.TicRateHz > 1000:
		return fmt.Errorf("tic_rate_hz out of range: %d", t.TicRateHz)
	case t.MaxPlayers <= 0:
		return fmt.Errorf("max_players must be positive: %d", t.MaxPlayers)
	case t.SaveEveryTics < 0:
		return fmt.Errorf("save_every_tics must not be negative: %d", t.SaveEveryTics)
	case t.Level.Skill < 1 || t.Level.Skill > 5:
		return fmt.Errorf("level.skill out of range: %d", t.Level.Skill)
	case t.Sync.MaxPeerLagTics <= 0:
		return fmt.Errorf("sync.max_peer_lag_tics must be positive: %d", t.Sync.MaxPeerLagTics)
	case t.Sync.CommandLimit < 1:
		return fmt.Errorf("sync.command_limit must be at least 1: %d", t.Sync.CommandLimit)
	case t.Sync.MaxSnapshots < 2:
		return fmt.Errorf("sync.max_snapshots must be at least 2: %d", t.Sync.MaxSnapshots)
	}
	return nil
}
