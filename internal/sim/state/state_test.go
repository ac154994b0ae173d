package state

import (
	"bytes"
	"testing"

	"github.com/rotisserie/eris"

	"ticksync.dev/internal/sim/command"
	"ticksync.dev/internal/sim/game"
)

// simulate runs tics [0, n) with a fixed input stream and saves every
// snapshot into the returned store.
func simulate(t *testing.T, n int) *Store {
	t.Helper()
	st, err := game.NewState(game.ProceduralLoader{Seed: 99}, 1, 1, 4)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	st.AddPlayer(1)
	st.AddPlayer(2)
	store := NewStore(0)
	for tic := 0; tic < n; tic++ {
		var cmds []game.PlayerCommands
		for _, id := range st.PlayerIDs() {
			cmds = append(cmds, game.PlayerCommands{Player: id, Commands: []command.Command{{
				Index:   uint32(tic + 1),
				Tic:     tic,
				Forward: int8(20 + tic%9),
				Angle:   int16(tic * 31 % 700),
				Buttons: uint8(tic % 4),
			}}})
		}
		game.RunTic(st, cmds, nil)
		store.Save(st)
		st.Tic++
	}
	return store
}

func TestDelta_RoundTrip(t *testing.T) {
	store := simulate(t, 120)
	for _, pair := range [][2]int{{0, 1}, {10, 50}, {60, 119}, {119, 119}} {
		from, _ := store.Get(pair[0])
		to, _ := store.Get(pair[1])
		d, err := Compute(&from, to)
		if err != nil {
			t.Fatalf("Compute %v: %v", pair, err)
		}
		if d.Full || d.FromTic != pair[0] || d.ToTic != pair[1] {
			t.Fatalf("unexpected delta header %+v", d)
		}
		got, err := Apply(&from, d)
		if err != nil {
			t.Fatalf("Apply %v: %v", pair, err)
		}
		if got.Tic != to.Tic || !bytes.Equal(got.Data, to.Data) {
			t.Fatalf("round trip mismatch for %v", pair)
		}
	}
}

func TestDelta_FullWithoutBase(t *testing.T) {
	store := simulate(t, 30)
	to, _ := store.Get(29)
	d, err := Compute(nil, to)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !d.Full {
		t.Fatalf("expected a full delta")
	}
	got, err := Apply(nil, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.Digest() != to.Digest() {
		t.Fatalf("digest mismatch")
	}
}

func TestDelta_IsSmallerThanFull(t *testing.T) {
	store := simulate(t, 40)
	from, _ := store.Get(38)
	to, _ := store.Get(39)
	d, _ := Compute(&from, to)
	full, _ := Compute(nil, to)
	if len(d.Data) >= len(full.Data) {
		t.Fatalf("delta %d bytes, full %d bytes", len(d.Data), len(full.Data))
	}
}

func TestApply_RejectsWrongBase(t *testing.T) {
	store := simulate(t, 40)
	from, _ := store.Get(10)
	other, _ := store.Get(11)
	to, _ := store.Get(30)
	d, _ := Compute(&from, to)

	if _, err := Apply(&other, d); !eris.Is(err, ErrDeltaBaseMismatch) {
		t.Fatalf("expected ErrDeltaBaseMismatch, got %v", err)
	}
	if _, err := Apply(nil, d); !eris.Is(err, ErrDeltaBaseMismatch) {
		t.Fatalf("expected ErrDeltaBaseMismatch for nil base, got %v", err)
	}

	// Same tic, but none of the bytes the delta was built against.
	forged := Snapshot{Tic: 10, Data: make([]byte, len(from.Data))}
	for i, b := range from.Data {
		forged.Data[i] = b ^ 0xff
	}
	if _, err := Apply(&forged, d); !eris.Is(err, ErrDeltaCorrupt) {
		t.Fatalf("expected ErrDeltaCorrupt for a same-tic different base, got %v", err)
	}

	d.Data = append([]byte(nil), d.Data[:len(d.Data)/2]...)
	if _, err := Apply(&from, d); !eris.Is(err, ErrDeltaCorrupt) {
		t.Fatalf("expected ErrDeltaCorrupt for truncated data, got %v", err)
	}
}

func TestStore_SaveLoadEvict(t *testing.T) {
	store := simulate(t, 20)
	if store.Latest() != 19 || store.Len() != 20 {
		t.Fatalf("latest=%d len=%d", store.Latest(), store.Len())
	}

	st, err := store.Load(7, false, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Tic != 7 {
		t.Fatalf("loaded tic=%d want 7", st.Tic)
	}
	snap, _ := store.Get(7)
	if game.Digest(st) != snap.Digest() {
		t.Fatalf("load is not faithful")
	}

	store.Save(st)
	if store.Len() != 20 {
		t.Fatalf("save must overwrite, len=%d", store.Len())
	}

	if n := store.EvictBefore(10); n != 10 {
		t.Fatalf("evicted %d want 10", n)
	}
	if store.Has(9) || !store.Has(10) {
		t.Fatalf("eviction boundary wrong: %v", store.Tics())
	}
	if _, err := store.Load(3, false, nil); !eris.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestStore_BoundedHistory(t *testing.T) {
	src := simulate(t, 10)
	store := NewStore(4)
	for _, tic := range src.Tics() {
		snap, _ := src.Get(tic)
		store.Put(snap)
	}
	if store.Len() != 4 || store.Oldest() != 6 || store.Latest() != 9 {
		t.Fatalf("bounded store kept %v", store.Tics())
	}
}

func TestStore_ApplyAndBuildDelta(t *testing.T) {
	server := simulate(t, 60)
	client := NewStore(0)
	base, _ := server.Get(40)
	client.Put(base)

	d, err := server.BuildDelta(40, 59)
	if err != nil {
		t.Fatalf("BuildDelta: %v", err)
	}
	snap, err := client.ApplyDelta(d)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	want, _ := server.Get(59)
	if snap.Digest() != want.Digest() || client.Latest() != 59 {
		t.Fatalf("materialized snapshot mismatch")
	}

	full, err := server.BuildDelta(-1, 59)
	if err != nil || !full.Full {
		t.Fatalf("expected full delta, got %+v err=%v", full, err)
	}
	if _, err := client.ApplyDelta(Delta{FromTic: 12, ToTic: 59, Data: d.Data}); !eris.Is(err, ErrDeltaBaseMismatch) {
		t.Fatalf("expected base mismatch, got %v", err)
	}
}
