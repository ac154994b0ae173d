package game

import (
	"sort"

	"ticksync.dev/internal/sim/command"
)

type GameState uint8

const (
	GameStateNone GameState = iota
	GameStateLevel
	GameStateIntermission
	GameStateFinale
)

func (g GameState) String() string {
	switch g {
	case GameStateLevel:
		return "LEVEL"
	case GameStateIntermission:
		return "INTERMISSION"
	case GameStateFinale:
		return "FINALE"
	default:
		return "NONE"
	}
}

func ParseGameState(s string) GameState {
	switch s {
	case "LEVEL":
		return GameStateLevel
	case "INTERMISSION":
		return GameStateIntermission
	case "FINALE":
		return GameStateFinale
	default:
		return GameStateNone
	}
}

type SectorKind uint8

const (
	SectorPlain SectorKind = iota
	SectorDoor
	SectorExit
	SectorNukage
)

type Point struct {
	X, Y Fixed
}

type Player struct {
	ID command.PlayerID

	X, Y       Fixed
	MomX, MomY Fixed
	Angle      Angle

	Health int
	Armor  int
	Ammo   int
	// Cooldown is the number of tics until the weapon can fire again.
	Cooldown int
	Frags    int
	Deaths   int
	Dead     bool

	// LastCommandIndex is the index of the last command this player ran.
	// It travels with the state so that loading a snapshot also restores
	// the command queue cursors.
	LastCommandIndex uint32
}

type Sector struct {
	ID   int
	Kind SectorKind

	Min, Max Point

	Floor   Fixed
	Ceiling Fixed
	Top     Fixed
	// Direction is 1 while opening, -1 while closing, 0 at rest.
	Direction int
	Wait      int
}

func (sec *Sector) Contains(x, y Fixed) bool {
	return x >= sec.Min.X && x <= sec.Max.X && y >= sec.Min.Y && y <= sec.Max.Y
}

// State is the whole simulation. A snapshot is its encoding.
type State struct {
	Tic       int
	GameState GameState

	Episode int
	Map     int
	Skill   int

	LevelTime       int
	IntermissionTic int
	ExitRequested   bool
	RNG             uint32

	ArenaHalf Fixed
	Spawns    []Point
	Players   []Player
	Sectors   []Sector
	// Visited holds one bit per player slot for each cell of the arena grid.
	Visited []uint16
}

const visitedGrid = 16

func (s *State) Player(id command.PlayerID) *Player {
	i := sort.Search(len(s.Players), func(i int) bool { return s.Players[i].ID >= id })
	if i < len(s.Players) && s.Players[i].ID == id {
		return &s.Players[i]
	}
	return nil
}

// AddPlayer spawns a player at a deterministic spawn spot. Adding an
// existing player is a no-op.
func (s *State) AddPlayer(id command.PlayerID) *Player {
	if p := s.Player(id); p != nil {
		return p
	}
	p := Player{ID: id}
	s.spawn(&p)
	i := sort.Search(len(s.Players), func(i int) bool { return s.Players[i].ID >= id })
	s.Players = append(s.Players, Player{})
	copy(s.Players[i+1:], s.Players[i:])
	s.Players[i] = p
	return &s.Players[i]
}

func (s *State) RemovePlayer(id command.PlayerID) bool {
	for i := range s.Players {
		if s.Players[i].ID == id {
			s.Players = append(s.Players[:i], s.Players[i+1:]...)
			return true
		}
	}
	return false
}

func (s *State) PlayerIDs() []command.PlayerID {
	ids := make([]command.PlayerID, len(s.Players))
	for i := range s.Players {
		ids[i] = s.Players[i].ID
	}
	return ids
}

func (s *State) spawn(p *Player) {
	if len(s.Spawns) > 0 {
		sp := s.Spawns[int(p.ID)%len(s.Spawns)]
		p.X, p.Y = sp.X, sp.Y
	}
	p.MomX, p.MomY = 0, 0
	p.Angle = 0
	p.Health = 100
	p.Armor = 0
	p.Ammo = 50
	p.Cooldown = 0
	p.Dead = false
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Spawns = append([]Point(nil), s.Spawns...)
	c.Players = append([]Player(nil), s.Players...)
	c.Sectors = append([]Sector(nil), s.Sectors...)
	c.Visited = append([]uint16(nil), s.Visited...)
	return &c
}
