package encoding

import "github.com/rotisserie/eris"

// RLE appends ids as (value, run_len) uvarint pairs prefixed by the total
// element count.
func (w *Writer) RLE(ids []uint16) {
	w.Uvarint(uint64(len(ids)))
	i := 0
	for i < len(ids) {
		b := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == b; j++ {
			run++
		}
		w.Uvarint(uint64(b))
		w.Uvarint(uint64(run))
		i += run
	}
}

func (r *Reader) RLE() []uint16 {
	total := r.Uvarint()
	if r.err != nil {
		return nil
	}
	// Each run covers at least one element and costs at least two bytes.
	if total > uint64(len(r.raw))*(1<<16) {
		r.err = eris.Wrapf(ErrTruncated, "rle total %d too large", total)
		return nil
	}
	out := make([]uint16, 0, total)
	for uint64(len(out)) < total {
		b := r.Uvarint()
		run := r.Uvarint()
		if r.err != nil {
			return nil
		}
		if b > 0xFFFF {
			r.err = eris.Errorf("rle value too large: %d", b)
			return nil
		}
		if run == 0 || uint64(len(out))+run > total {
			r.err = eris.Errorf("rle run %d overflows total %d", run, total)
			return nil
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(b))
		}
	}
	return out
}
