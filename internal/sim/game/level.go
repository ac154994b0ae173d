package game

import (
	"errors"

	"github.com/rotisserie/eris"
)

var ErrNoLevel = errors.New("game: level not available")

// Level is what a loader hands to the simulation.
type Level struct {
	ArenaHalf Fixed
	Spawns    []Point
	Sectors   []Sector
	Seed      uint32
}

type LevelLoader interface {
	SetupLevel(episode, mapNum, skill int) (Level, error)
}

// ProceduralLoader derives levels from a seed, so every machine given the
// same seed builds the same map.
type ProceduralLoader struct {
	Seed     int64
	Episodes int
	Maps     int
}

func (l ProceduralLoader) SetupLevel(episode, mapNum, skill int) (Level, error) {
	episodes, maps := l.Episodes, l.Maps
	if episodes <= 0 {
		episodes = 4
	}
	if maps <= 0 {
		maps = 9
	}
	if episode < 1 || episode > episodes || mapNum < 1 || mapNum > maps {
		return Level{}, eris.Wrapf(ErrNoLevel, "E%dM%d", episode, mapNum)
	}

	g := &State{RNG: uint32(l.Seed) ^ uint32(l.Seed>>32) ^ uint32(episode*1000+mapNum*10+skill)}
	half := Units(512 + 64*g.RandomRange(0, 8))
	lvl := Level{ArenaHalf: half, Seed: g.RNG}

	for i := 0; i < 4; i++ {
		lvl.Spawns = append(lvl.Spawns, Point{
			X: Units(g.RandomRange(-256, 256)),
			Y: Units(g.RandomRange(-256, 256)),
		})
	}

	box := func(id int, kind SectorKind, size int) Sector {
		cx := Units(g.RandomRange(-400, 400))
		cy := Units(g.RandomRange(-400, 400))
		return Sector{
			ID:      id,
			Kind:    kind,
			Min:     Point{X: cx - Units(size), Y: cy - Units(size)},
			Max:     Point{X: cx + Units(size), Y: cy + Units(size)},
			Floor:   0,
			Ceiling: 0,
			Top:     Units(128),
		}
	}
	lvl.Sectors = append(lvl.Sectors, box(1, SectorExit, 32))
	doors := 2 + g.RandomRange(0, 2)
	for i := 0; i < doors; i++ {
		lvl.Sectors = append(lvl.Sectors, box(2+i, SectorDoor, 48))
	}
	if skill >= 3 {
		lvl.Sectors = append(lvl.Sectors, box(2+doors, SectorNukage, 96))
	}
	return lvl, nil
}

// LoadLevel replaces the level part of the state and respawns every
// player. Frags and deaths carry over.
func (s *State) LoadLevel(episode, mapNum, skill int, lvl Level) {
	s.GameState = GameStateLevel
	s.Episode, s.Map, s.Skill = episode, mapNum, skill
	s.LevelTime = 0
	s.IntermissionTic = 0
	s.ExitRequested = false
	s.RNG = lvl.Seed
	s.ArenaHalf = lvl.ArenaHalf
	s.Spawns = append([]Point(nil), lvl.Spawns...)
	s.Sectors = append([]Sector(nil), lvl.Sectors...)
	s.Visited = make([]uint16, visitedGrid*visitedGrid)
	for i := range s.Players {
		s.spawn(&s.Players[i])
	}
}

// NewState sets up a fresh game on the given level.
func NewState(loader LevelLoader, episode, mapNum, skill int) (*State, error) {
	lvl, err := loader.SetupLevel(episode, mapNum, skill)
	if err != nil {
		return nil, err
	}
	s := &State{}
	s.LoadLevel(episode, mapNum, skill, lvl)
	return s, nil
}

// AdvanceGameState applies level transitions requested by the last tic.
// Only the authority calls it; clients learn the result from the server.
func AdvanceGameState(s *State, loader LevelLoader) (bool, error) {
	if !s.ExitRequested {
		return false, nil
	}
	switch s.GameState {
	case GameStateLevel:
		s.ExitRequested = false
		s.GameState = GameStateIntermission
		s.IntermissionTic = 0
		return true, nil
	case GameStateIntermission:
		lvl, err := loader.SetupLevel(s.Episode, s.Map+1, s.Skill)
		if err != nil {
			if eris.Is(err, ErrNoLevel) {
				s.ExitRequested = false
				s.GameState = GameStateFinale
				return true, nil
			}
			return false, err
		}
		s.LoadLevel(s.Episode, s.Map+1, s.Skill, lvl)
		return true, nil
	}
	s.ExitRequested = false
	return false, nil
}
