package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/rotisserie/eris"
)

var (
	ErrTruncated = errors.New("encoding: truncated input")
	ErrTrailing  = errors.New("encoding: trailing bytes")
)

// Writer appends varint-encoded values. Output depends only on the
// sequence of calls, never on map order or platform.
type Writer struct {
	buf bytes.Buffer
	tmp [binary.MaxVarintLen64]byte
}

func (w *Writer) Uvarint(v uint64) {
	n := binary.PutUvarint(w.tmp[:], v)
	w.buf.Write(w.tmp[:n])
}

func (w *Writer) Varint(v int64) {
	n := binary.PutVarint(w.tmp[:], v)
	w.buf.Write(w.tmp[:n])
}

func (w *Writer) Int(v int) { w.Varint(int64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) Len() int { return w.buf.Len() }

// Reader is the counterpart of Writer. The first failure sticks; callers
// read a whole record and check Err once.
type Reader struct {
	raw []byte
	off int
	err error
}

func NewReader(b []byte) *Reader { return &Reader{raw: b} }

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.raw[r.off:])
	if n <= 0 {
		r.err = eris.Wrapf(ErrTruncated, "bad uvarint at %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *Reader) Varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.raw[r.off:])
	if n <= 0 {
		r.err = eris.Wrapf(ErrTruncated, "bad varint at %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *Reader) Int() int { return int(r.Varint()) }

func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	if r.off >= len(r.raw) {
		r.err = eris.Wrapf(ErrTruncated, "bool at %d", r.off)
		return false
	}
	b := r.raw[r.off]
	r.off++
	return b != 0
}

func (r *Reader) String() string {
	n := r.Uvarint()
	if r.err != nil {
		return ""
	}
	if uint64(len(r.raw)-r.off) < n {
		r.err = eris.Wrapf(ErrTruncated, "string of %d bytes at %d", n, r.off)
		return ""
	}
	s := string(r.raw[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

// Count reads a collection length and rejects values that cannot fit in
// the remaining input, so corrupt data never drives a huge allocation.
func (r *Reader) Count() int {
	n := r.Uvarint()
	if r.err != nil {
		return 0
	}
	if n > uint64(len(r.raw)-r.off) {
		r.err = eris.Wrapf(ErrTruncated, "count %d exceeds remaining %d bytes", n, len(r.raw)-r.off)
		return 0
	}
	return int(n)
}

func (r *Reader) Err() error { return r.err }

// Done reports Err, or ErrTrailing when input remains unread.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.raw) {
		return eris.Wrapf(ErrTrailing, "%d bytes left", len(r.raw)-r.off)
	}
	return nil
}
