package state

import (
	"errors"
	"sort"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/sim/game"
)

var ErrNoSnapshot = errors.New("state: no snapshot for tic")

// Snapshot is an encoded game.State. Data is never modified after
// creation, so snapshots may be shared freely.
type Snapshot struct {
	Tic  int
	Data []byte
}

func (s Snapshot) Digest() string { return game.DigestBytes(s.Data) }

func (s Snapshot) Decode() (*game.State, error) { return game.Decode(s.Data) }

// Capture encodes st as a snapshot keyed by st.Tic.
func Capture(st *game.State) Snapshot {
	return Snapshot{Tic: st.Tic, Data: game.Encode(st)}
}

// Store keeps snapshots keyed by tic. It is owned by the simulation
// thread.
type Store struct {
	byTic  map[int]Snapshot
	tics   []int
	latest int
	max    int
}

// NewStore returns a store that keeps at most max snapshots; 0 means
// unbounded. When full, the oldest snapshot is dropped first.
func NewStore(max int) *Store {
	return &Store{byTic: make(map[int]Snapshot), latest: -1, max: max}
}

// Save captures st under st.Tic, replacing any previous entry.
func (s *Store) Save(st *game.State) Snapshot {
	snap := Capture(st)
	s.Put(snap)
	return snap
}

func (s *Store) Put(snap Snapshot) {
	if _, ok := s.byTic[snap.Tic]; !ok {
		i := sort.SearchInts(s.tics, snap.Tic)
		s.tics = append(s.tics, 0)
		copy(s.tics[i+1:], s.tics[i:])
		s.tics[i] = snap.Tic
	}
	s.byTic[snap.Tic] = snap
	s.latest = snap.Tic
	for s.max > 0 && len(s.tics) > s.max {
		s.remove(s.tics[0])
	}
}

func (s *Store) Get(tic int) (Snapshot, bool) {
	snap, ok := s.byTic[tic]
	return snap, ok
}

func (s *Store) Has(tic int) bool {
	_, ok := s.byTic[tic]
	return ok
}

// Latest is the tic of the most recently saved snapshot, or -1.
func (s *Store) Latest() int { return s.latest }

func (s *Store) LatestSnapshot() (Snapshot, bool) { return s.Get(s.latest) }

// Load decodes the snapshot for tic. With reinit set, level setup also
// runs for the snapshot's map, so a client that just joined has the level
// resources ready before it takes over the server's values.
func (s *Store) Load(tic int, reinit bool, loader game.LevelLoader) (*game.State, error) {
	snap, ok := s.byTic[tic]
	if !ok {
		return nil, eris.Wrapf(ErrNoSnapshot, "tic %d", tic)
	}
	st, err := snap.Decode()
	if err != nil {
		return nil, eris.Wrapf(err, "decode snapshot %d", tic)
	}
	if reinit && loader != nil && st.GameState == game.GameStateLevel {
		if _, err := loader.SetupLevel(st.Episode, st.Map, st.Skill); err != nil {
			return nil, eris.Wrapf(err, "reinit level for snapshot %d", tic)
		}
	}
	return st, nil
}

func (s *Store) LoadLatest(reinit bool, loader game.LevelLoader) (*game.State, error) {
	return s.Load(s.latest, reinit, loader)
}

// EvictBefore drops snapshots strictly older than tic and returns how
// many were removed.
func (s *Store) EvictBefore(tic int) int {
	n := 0
	for len(s.tics) > 0 && s.tics[0] < tic {
		s.remove(s.tics[0])
		n++
	}
	return n
}

func (s *Store) remove(tic int) {
	delete(s.byTic, tic)
	i := sort.SearchInts(s.tics, tic)
	if i < len(s.tics) && s.tics[i] == tic {
		s.tics = append(s.tics[:i], s.tics[i+1:]...)
	}
	if tic == s.latest {
		s.latest = -1
		if n := len(s.tics); n > 0 {
			s.latest = s.tics[n-1]
		}
	}
}

// Oldest is the smallest stored tic, or -1.
func (s *Store) Oldest() int {
	if len(s.tics) == 0 {
		return -1
	}
	return s.tics[0]
}

func (s *Store) Tics() []int { return append([]int(nil), s.tics...) }

func (s *Store) Len() int { return len(s.tics) }

func (s *Store) Clear() {
	s.byTic = make(map[int]Snapshot)
	s.tics = nil
	s.latest = -1
}

// ApplyDelta materializes the delta's target snapshot from the stored
// base and stores it.
func (s *Store) ApplyDelta(d Delta) (Snapshot, error) {
	var base *Snapshot
	if !d.Full {
		b, ok := s.byTic[d.FromTic]
		if !ok {
			return Snapshot{}, eris.Wrapf(ErrDeltaBaseMismatch, "no base snapshot for tic %d", d.FromTic)
		}
		base = &b
	}
	snap, err := Apply(base, d)
	if err != nil {
		return Snapshot{}, err
	}
	s.Put(snap)
	return snap, nil
}

// BuildDelta encodes the stored toTic snapshot against fromTic. A
// missing base produces a full delta.
func (s *Store) BuildDelta(fromTic, toTic int) (Delta, error) {
	to, ok := s.byTic[toTic]
	if !ok {
		return Delta{}, eris.Wrapf(ErrNoSnapshot, "tic %d", toTic)
	}
	if from, ok := s.byTic[fromTic]; ok && fromTic >= 0 {
		return Compute(&from, to)
	}
	return Compute(nil, to)
}
