package log

import (
	"github.com/ctrimble/copycat/pkg/codec"
)

// descriptorMagic identifies a copycat segment file.
const descriptorMagic = uint32(0xC0C1CA7D)

// descriptorSize is the fixed on-disk size of the header; entries start
// immediately after it.
const descriptorSize = 64

// descriptor is the bit-exact segment header.
type descriptor struct {
	ID             uint64
	Version        uint64
	FirstIndex     uint64
	Updated        int64 // ms epoch, last seal time
	MaxEntrySize   uint32
	MaxSegmentSize uint32
	MaxEntries     uint32
	Locked         bool
}

func encodeDescriptor(d descriptor) []byte {
	w := codec.NewWriter()
	w.PutUint32(descriptorMagic)
	w.PutUint8(1) // descriptor format version
	w.PutUint64(d.ID)
	w.PutUint64(d.Version)
	w.PutUint64(d.FirstIndex)
	w.PutInt64(d.Updated)
	w.PutUint32(d.MaxEntrySize)
	w.PutUint32(d.MaxSegmentSize)
	w.PutUint32(d.MaxEntries)
	w.PutBool(d.Locked)

	raw := w.Bytes()
	padded := make([]byte, descriptorSize)
	copy(padded, raw)
	return padded
}

func decodeDescriptor(b []byte) (descriptor, error) {
	r := codec.NewReader(b)
	magic := r.GetUint32()
	_ = r.GetUint8() // format version, reserved for future migrations
	d := descriptor{}
	d.ID = r.GetUint64()
	d.Version = r.GetUint64()
	d.FirstIndex = r.GetUint64()
	d.Updated = r.GetInt64()
	d.MaxEntrySize = r.GetUint32()
	d.MaxSegmentSize = r.GetUint32()
	d.MaxEntries = r.GetUint32()
	d.Locked = r.GetBool()
	if r.Err() != nil {
		return descriptor{}, r.Err()
	}
	if magic != descriptorMagic {
		return descriptor{}, errBadMagic
	}
	return d, nil
}
