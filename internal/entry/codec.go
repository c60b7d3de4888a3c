package entry

import (
	"fmt"

	"github.com/ctrimble/copycat/pkg/codec"
)

func encodeAddress(w *codec.Writer, a Address) {
	w.PutString(a.Host)
	w.PutUint32(uint32(a.Port))
}

func decodeAddress(r *codec.Reader) Address {
	host := r.GetString()
	port := r.GetUint32()
	return Address{Host: host, Port: int(port)}
}

func encodeAddresses(w *codec.Writer, addrs []Address) {
	w.PutUint32(uint32(len(addrs)))
	for _, a := range addrs {
		encodeAddress(w, a)
	}
}

func decodeAddresses(r *codec.Reader) []Address {
	n := r.GetUint32()
	addrs := make([]Address, 0, n)
	for i := uint32(0); i < n; i++ {
		addrs = append(addrs, decodeAddress(r))
	}
	return addrs
}

// Encode serializes an Entry to its deterministic binary form: index,
// term, then variant-specific fields in declaration order.
func Encode(e Entry) ([]byte, error) {
	w := codec.NewWriter()
	w.PutUint64(e.GetIndex())
	w.PutUint64(e.GetTerm())

	switch v := e.(type) {
	case *NoOpEntry:
	case *ConfigurationEntry:
		encodeAddresses(w, v.Active)
		encodeAddresses(w, v.Passive)
	case *RegisterEntry:
		encodeAddress(w, v.Member)
		w.PutInt64(v.Timestamp)
	case *KeepAliveEntry:
		w.PutUint64(v.Session)
		w.PutInt64(v.Timestamp)
	case *CommandEntry:
		w.PutUint64(v.Session)
		w.PutUint64(v.Request)
		w.PutUint64(v.Response)
		w.PutInt64(v.Timestamp)
		w.PutBytes(v.Command)
	case *QueryEntry:
		w.PutUint64(v.Session)
		w.PutUint64(v.Version)
		w.PutInt64(v.Timestamp)
		w.PutBytes(v.Query)
	case *JoinEntry:
		encodeAddress(w, v.Member)
	case *LeaveEntry:
		encodeAddress(w, v.Member)
	case *PromoteEntry:
		encodeAddress(w, v.Member)
	case *DemoteEntry:
		encodeAddress(w, v.Member)
	default:
		return nil, fmt.Errorf("entry: unknown entry type %T", e)
	}
	return w.Bytes(), nil
}

// Decode deserializes the body of a frame of the given Kind back into an
// Entry value.
func Decode(kind Kind, b []byte) (Entry, error) {
	r := codec.NewReader(b)
	idx := r.GetUint64()
	term := r.GetUint64()
	bs := base{Index: idx, Term: term}

	var e Entry
	switch kind {
	case KindNoOp:
		e = &NoOpEntry{base: bs}
	case KindConfiguration:
		active := decodeAddresses(r)
		passive := decodeAddresses(r)
		e = &ConfigurationEntry{base: bs, Active: active, Passive: passive}
	case KindRegister:
		member := decodeAddress(r)
		ts := r.GetInt64()
		e = &RegisterEntry{base: bs, Member: member, Timestamp: ts}
	case KindKeepAlive:
		session := r.GetUint64()
		ts := r.GetInt64()
		e = &KeepAliveEntry{base: bs, Session: session, Timestamp: ts}
	case KindCommand:
		session := r.GetUint64()
		request := r.GetUint64()
		response := r.GetUint64()
		ts := r.GetInt64()
		cmd := r.GetBytes()
		e = &CommandEntry{base: bs, Session: session, Request: request, Response: response, Timestamp: ts, Command: cmd}
	case KindQuery:
		session := r.GetUint64()
		version := r.GetUint64()
		ts := r.GetInt64()
		query := r.GetBytes()
		e = &QueryEntry{base: bs, Session: session, Version: version, Timestamp: ts, Query: query}
	case KindJoin:
		e = &JoinEntry{base: bs, Member: decodeAddress(r)}
	case KindLeave:
		e = &LeaveEntry{base: bs, Member: decodeAddress(r)}
	case KindPromote:
		e = &PromoteEntry{base: bs, Member: decodeAddress(r)}
	case KindDemote:
		e = &DemoteEntry{base: bs, Member: decodeAddress(r)}
	default:
		return nil, fmt.Errorf("entry: unknown type id %d", kind)
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return e, nil
}
