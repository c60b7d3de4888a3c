package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Writer is a small deterministic binary writer used by entry and RPC
// message encoders: fixed-width integers, length-prefixed bytes/strings,
// and length-prefixed repeated fields, always in the same field order as
// the struct they encode (this is what "deterministic" means here: no
// map iteration order ever reaches the wire).
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) PutUint8(v uint8)   { w.buf.WriteByte(v) }
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf.Write(v)
}

func (w *Writer) PutString(v string) { w.PutBytes([]byte(v)) }

// Reader is the counterpart to Writer: it consumes a byte slice
// sequentially and reports the first error encountered, so callers can
// chain reads and check err once at the end.
type Reader struct {
	b   []byte
	pos int
	err error
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.b) {
		r.err = fmt.Errorf("codec: reader needs %d bytes, has %d", n, len(r.b)-r.pos)
		return false
	}
	return true
}

func (r *Reader) GetUint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *Reader) GetBool() bool { return r.GetUint8() != 0 }

func (r *Reader) GetUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *Reader) GetUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *Reader) GetInt64() int64 { return int64(r.GetUint64()) }

func (r *Reader) GetBytes() []byte {
	n := r.GetUint32()
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v
}

func (r *Reader) GetString() string { return string(r.GetBytes()) }
