package game

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/encoding"
)

const stateVersion = 1

var ErrBadState = errors.New("game: bad state encoding")

// Encode serializes the state. Equal states always encode to equal bytes.
func Encode(s *State) []byte {
	var w encoding.Writer
	w.Uvarint(stateVersion)
	w.Int(s.Tic)
	w.Uvarint(uint64(s.GameState))
	w.Int(s.Episode)
	w.Int(s.Map)
	w.Int(s.Skill)
	w.Int(s.LevelTime)
	w.Int(s.IntermissionTic)
	w.Bool(s.ExitRequested)
	w.Uvarint(uint64(s.RNG))
	w.Int(int(s.ArenaHalf))

	w.Uvarint(uint64(len(s.Spawns)))
	for _, sp := range s.Spawns {
		writePoint(&w, sp)
	}

	w.Uvarint(uint64(len(s.Players)))
	for i := range s.Players {
		p := &s.Players[i]
		w.Uvarint(uint64(p.ID))
		w.Int(int(p.X))
		w.Int(int(p.Y))
		w.Int(int(p.MomX))
		w.Int(int(p.MomY))
		w.Uvarint(uint64(p.Angle))
		w.Int(p.Health)
		w.Int(p.Armor)
		w.Int(p.Ammo)
		w.Int(p.Cooldown)
		w.Int(p.Frags)
		w.Int(p.Deaths)
		w.Bool(p.Dead)
		w.Uvarint(uint64(p.LastCommandIndex))
	}

	w.Uvarint(uint64(len(s.Sectors)))
	for i := range s.Sectors {
		sec := &s.Sectors[i]
		w.Int(sec.ID)
		w.Uvarint(uint64(sec.Kind))
		writePoint(&w, sec.Min)
		writePoint(&w, sec.Max)
		w.Int(int(sec.Floor))
		w.Int(int(sec.Ceiling))
		w.Int(int(sec.Top))
		w.Int(sec.Direction)
		w.Int(sec.Wait)
	}

	w.RLE(s.Visited)
	return w.Bytes()
}

func writePoint(w *encoding.Writer, p Point) {
	w.Int(int(p.X))
	w.Int(int(p.Y))
}

func readPoint(r *encoding.Reader) Point {
	return Point{X: Fixed(r.Int()), Y: Fixed(r.Int())}
}

func Decode(b []byte) (*State, error) {
	r := encoding.NewReader(b)
	if v := r.Uvarint(); r.Err() == nil && v != stateVersion {
		return nil, eris.Wrapf(ErrBadState, "unsupported version %d", v)
	}
	s := &State{}
	s.Tic = r.Int()
	s.GameState = GameState(r.Uvarint())
	s.Episode = r.Int()
	s.Map = r.Int()
	s.Skill = r.Int()
	s.LevelTime = r.Int()
	s.IntermissionTic = r.Int()
	s.ExitRequested = r.Bool()
	s.RNG = uint32(r.Uvarint())
	s.ArenaHalf = Fixed(r.Int())

	if n := r.Count(); n > 0 {
		s.Spawns = make([]Point, n)
		for i := range s.Spawns {
			s.Spawns[i] = readPoint(r)
		}
	}

	if n := r.Count(); n > 0 {
		s.Players = make([]Player, n)
		for i := range s.Players {
			p := &s.Players[i]
			p.ID = command.PlayerID(r.Uvarint())
			p.X = Fixed(r.Int())
			p.Y = Fixed(r.Int())
			p.MomX = Fixed(r.Int())
			p.MomY = Fixed(r.Int())
			p.Angle = Angle(r.Uvarint())
			p.Health = r.Int()
			p.Armor = r.Int()
			p.Ammo = r.Int()
			p.Cooldown = r.Int()
			p.Frags = r.Int()
			p.Deaths = r.Int()
			p.Dead = r.Bool()
			p.LastCommandIndex = uint32(r.Uvarint())
		}
	}

	if n := r.Count(); n > 0 {
		s.Sectors = make([]Sector, n)
		for i := range s.Sectors {
			sec := &s.Sectors[i]
			sec.ID = r.Int()
			sec.Kind = SectorKind(r.Uvarint())
			sec.Min = readPoint(r)
			sec.Max = readPoint(r)
			sec.Floor = Fixed(r.Int())
			sec.Ceiling = Fixed(r.Int())
			sec.Top = Fixed(r.Int())
			sec.Direction = r.Int()
			sec.Wait = r.Int()
		}
	}

	s.Visited = r.RLE()
	if err := r.Done(); err != nil {
		return nil, eris.Wrap(ErrBadState, err.Error())
	}
	return s, nil
}

// Digest is the hex sha256 of the state encoding.
func Digest(s *State) string { return DigestBytes(Encode(s)) }

func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
