package state

import (
	"errors"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"ticksync.dev/internal/sim/game"
)

var (
	ErrDeltaBaseMismatch = errors.New("state: delta base mismatch")
	ErrDeltaCorrupt      = errors.New("state: delta corrupt")
)

// dictID tags dictionary-compressed frames. Any nonzero value works as
// long as both ends agree.
const dictID = 0x7469636b

// Delta turns the snapshot at FromTic into the one at ToTic. A Full delta
// carries the whole target and needs no base.
type Delta struct {
	FromTic int
	ToTic   int
	Full    bool
	// Digest is the hex sha256 of the target snapshot.
	Digest string
	Data   []byte
}

func (d Delta) Empty() bool { return len(d.Data) == 0 }

// Compute encodes to relative to from: the base snapshot is the zstd
// dictionary, so unchanged runs cost almost nothing. With a nil from the
// result is a full delta.
func Compute(from *Snapshot, to Snapshot) (Delta, error) {
	d := Delta{FromTic: -1, ToTic: to.Tic, Full: true, Digest: to.Digest()}
	opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1)}
	if from != nil && len(from.Data) > 0 {
		d.FromTic = from.Tic
		d.Full = false
		opts = append(opts, zstd.WithEncoderDictRaw(dictID, from.Data))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return Delta{}, eris.Wrap(err, "zstd encoder")
	}
	defer enc.Close()
	d.Data = enc.EncodeAll(to.Data, nil)
	return d, nil
}

// Apply rebuilds the target snapshot. base must be the snapshot at
// d.FromTic unless d is full.
func Apply(base *Snapshot, d Delta) (Snapshot, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(64 << 20)}
	if !d.Full {
		if base == nil {
			return Snapshot{}, eris.Wrapf(ErrDeltaBaseMismatch, "delta %d->%d has no base", d.FromTic, d.ToTic)
		}
		if base.Tic != d.FromTic {
			return Snapshot{}, eris.Wrapf(ErrDeltaBaseMismatch, "delta from %d applied to snapshot %d", d.FromTic, base.Tic)
		}
		opts = append(opts, zstd.WithDecoderDictRaw(dictID, base.Data))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "zstd decoder")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(d.Data, nil)
	if err != nil {
		return Snapshot{}, eris.Wrapf(ErrDeltaCorrupt, "delta %d->%d: %v", d.FromTic, d.ToTic, err)
	}
	if d.Digest != "" && game.DigestBytes(out) != d.Digest {
		return Snapshot{}, eris.Wrapf(ErrDeltaCorrupt, "delta %d->%d: digest mismatch", d.FromTic, d.ToTic)
	}
	return Snapshot{Tic: d.ToTic, Data: out}, nil
}
