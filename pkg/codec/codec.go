// Package codec implements copycat's deterministic binary serializer: a
// type registry keyed by stable numeric ids, plus the Writer/Reader and
// record framing that encode log entries and segment descriptors.
//
// Encoding is deterministic: fixed-width big-endian integers and
// length-prefixed fields, always in declaration order, with no map
// iteration order ever reaching the wire. Framing pairs each record
// with a length prefix and a CRC32 so storage recovery can find the
// valid prefix of a partially written file.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
)

var (
	ErrUnknownType  = errors.New("codec: unknown type id")
	ErrShortRead    = errors.New("codec: short read")
	ErrCRCMismatch  = errors.New("codec: crc32 mismatch")
	ErrTooLarge     = errors.New("codec: encoded value exceeds max entry size")
	ErrDuplicateReg = errors.New("codec: type id already registered")
)

// TypeID is the stable, on-disk numeric id for a registered type.
type TypeID uint8

// Encoder turns a value into its deterministic byte representation.
type Encoder func(v any) ([]byte, error)

// Decoder turns bytes back into a value of the registered type.
type Decoder func(b []byte) (any, error)

type registration struct {
	encode Encoder
	decode Decoder
}

// Registry maps stable TypeIDs to encode/decode functions. Default is a
// process-wide instance; internal/entry encodes through Writer/Reader
// directly and transport messages travel as JSON, so neither consults it.
// Tests may construct private registries.
type Registry struct {
	mu    sync.RWMutex
	types map[TypeID]registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[TypeID]registration)}
}

// Register binds a TypeID to its encode/decode pair. Registering the same
// id twice is a programmer error and panics at init time, the same way
// prometheus.MustRegister does for duplicate collectors.
func (r *Registry) Register(id TypeID, enc Encoder, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[id]; exists {
		panic(fmt.Sprintf("codec: duplicate registration for type %d", id))
	}
	r.types[id] = registration{encode: enc, decode: dec}
}

// Encode looks up the encoder for id and applies it.
func (r *Registry) Encode(id TypeID, v any) ([]byte, error) {
	r.mu.RLock()
	reg, ok := r.types[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownType
	}
	return reg.encode(v)
}

// Decode looks up the decoder for id and applies it.
func (r *Registry) Decode(id TypeID, b []byte) (any, error) {
	r.mu.RLock()
	reg, ok := r.types[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownType
	}
	return reg.decode(b)
}

// Default is the process-wide registry used unless a component is
// explicitly given its own.
var Default = NewRegistry()

// --- framing ---

// WriteFrame writes one framed record: a u32 length prefix (covering
// type+body+crc), the type byte, the body, and a trailing CRC32 of
// type+body.
func WriteFrame(w io.Writer, typ TypeID, body []byte) (int, error) {
	crc := crc32.ChecksumIEEE(append([]byte{byte(typ)}, body...))

	frame := make([]byte, 4+1+len(body)+4)
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(body)+4))
	frame[4] = byte(typ)
	copy(frame[5:], body)
	binary.BigEndian.PutUint32(frame[5+len(body):], crc)

	return w.Write(frame)
}

// ReadFrame reads one framed record previously written by WriteFrame. A
// short read or CRC mismatch returns an error so the caller (segment
// recovery) can treat everything from here on as an invalid tail and
// discard it.
func ReadFrame(r io.Reader) (typ TypeID, body []byte, n int, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, 0, ErrShortRead
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 5 {
		return 0, nil, 4, ErrShortRead
	}

	rest := make([]byte, length)
	if _, err = io.ReadFull(r, rest); err != nil {
		return 0, nil, 4, ErrShortRead
	}

	typ = TypeID(rest[0])
	body = rest[1 : length-4]
	wantCRC := binary.BigEndian.Uint32(rest[length-4:])
	gotCRC := crc32.ChecksumIEEE(rest[:length-4])
	if gotCRC != wantCRC {
		return 0, nil, int(4 + length), ErrCRCMismatch
	}
	return typ, body, int(4 + length), nil
}

// FrameSize returns the on-disk size of a frame carrying the given body
// length, used by Segment to decide whether an entry fits before encoding.
func FrameSize(bodyLen int) int {
	return 4 + 1 + bodyLen + 4
}
