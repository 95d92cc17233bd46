// Package kvpsync implements the UDP-oriented key-value replication
// protocol of spec.md §4.6: a sender pushes inserts/deletes to one or more
// receivers with AIMD congestion control, and a receiver applies updates
// idempotently even when packets arrive out of order, deferring
// annihilation of a matched insert/delete pair by GCDelay so a
// late-arriving duplicate of either side cannot resurrect stale state.
package kvpsync

import (
	"encoding/binary"

	"github.com/infodancer/citm/internal/errs"
)

// UpdateType distinguishes the payload shape of an Update packet.
type UpdateType uint8

const (
	UpdateEmpty UpdateType = iota
	UpdateFlush
	UpdateStart
	UpdateInsert
	UpdateDelete
)

// MaxLen bounds key and value length to what fits in the wire format's
// single-byte length prefix.
const MaxLen = 255

// Update is one packet of the replication stream. OKExpiry is carried as
// nanoseconds since the Unix epoch on the wire (xtime_t in the original).
type Update struct {
	OKExpiry int64
	SyncID   uint32
	UpdateID uint32
	Type     UpdateType

	ResyncID uint32 // UpdateStart only

	Key []byte // UpdateInsert, UpdateDelete

	DeleteID uint32 // UpdateDelete only

	Val []byte // UpdateInsert only
}

// Ack acknowledges one Update by (SyncID, UpdateID). A receiver that hasn't
// completed its initial sync replies with its own recv_id as SyncID and
// UpdateID 0, requesting a resync.
type Ack struct {
	SyncID   uint32
	UpdateID uint32
}

// EncodeUpdate serializes u per spec.md §4.6's wire format: big-endian
// fixed fields, then a type byte, then type-conditional fields.
func EncodeUpdate(u Update) []byte {
	buf := make([]byte, 0, 17+2*MaxLen+16)
	buf = appendUint64(buf, uint64(u.OKExpiry))
	buf = appendUint32(buf, u.SyncID)
	buf = appendUint32(buf, u.UpdateID)
	buf = append(buf, byte(u.Type))

	switch u.Type {
	case UpdateEmpty, UpdateFlush:
		return buf
	case UpdateStart:
		buf = appendUint32(buf, u.ResyncID)
		return buf
	case UpdateInsert, UpdateDelete:
	default:
		return buf
	}

	buf = append(buf, byte(len(u.Key)))
	buf = append(buf, u.Key...)
	if u.Type == UpdateDelete {
		buf = appendUint32(buf, u.DeleteID)
		return buf
	}
	buf = append(buf, byte(len(u.Val)))
	buf = append(buf, u.Val...)
	return buf
}

// DecodeUpdate parses a received datagram into an Update, rejecting
// malformed or truncated packets with Param.
func DecodeUpdate(b []byte) (Update, *errs.Error) {
	var u Update
	r := &reader{buf: b, ok: true}

	u.OKExpiry = int64(r.uint64())
	u.SyncID = r.uint32()
	u.UpdateID = r.uint32()
	if !r.ok {
		return u, errs.New(errs.Param, "truncated update header")
	}
	u.Type = UpdateType(r.uint8())
	if !r.ok {
		return u, errs.New(errs.Param, "truncated update type")
	}

	switch u.Type {
	case UpdateEmpty, UpdateFlush:
		return u, nil
	case UpdateStart:
		if u.UpdateID != 1 {
			return u, errs.New(errs.Param, "start packet must have update_id 1")
		}
		u.ResyncID = r.uint32()
		if !r.ok {
			return u, errs.New(errs.Param, "truncated start packet")
		}
		return u, nil
	case UpdateInsert, UpdateDelete:
	default:
		return u, errs.New(errs.Param, "unknown update type %d", u.Type)
	}

	klen := r.uint8()
	if !r.ok {
		return u, errs.New(errs.Param, "truncated key length")
	}
	u.Key = r.bytes(int(klen))
	if !r.ok {
		return u, errs.New(errs.Param, "truncated key")
	}

	if u.Type == UpdateDelete {
		u.DeleteID = r.uint32()
		if !r.ok {
			return u, errs.New(errs.Param, "truncated delete_id")
		}
		return u, nil
	}

	vlen := r.uint8()
	if !r.ok {
		return u, errs.New(errs.Param, "truncated value length")
	}
	u.Val = r.bytes(int(vlen))
	if !r.ok {
		return u, errs.New(errs.Param, "truncated value")
	}
	return u, nil
}

// EncodeAck serializes an Ack.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, 0, 8)
	buf = appendUint32(buf, a.SyncID)
	buf = appendUint32(buf, a.UpdateID)
	return buf
}

// DecodeAck parses a received ack datagram.
func DecodeAck(b []byte) (Ack, *errs.Error) {
	r := &reader{buf: b, ok: true}
	a := Ack{SyncID: r.uint32(), UpdateID: r.uint32()}
	if !r.ok {
		return a, errs.New(errs.Param, "truncated ack")
	}
	return a, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader walks a byte slice extracting big-endian fields, tracking failure
// with a sticky ok flag so callers can chain reads and check once.
type reader struct {
	buf []byte
	pos int
	ok  bool
}

func (r *reader) uint64() uint64 {
	if r.pos+8 > len(r.buf) {
		r.ok = false
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *reader) uint32() uint32 {
	if r.pos+4 > len(r.buf) {
		r.ok = false
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) uint8() uint8 {
	if r.pos+1 > len(r.buf) {
		r.ok = false
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.pos+n > len(r.buf) {
		r.ok = false
		return nil
	}
	b := append([]byte{}, r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return b
}
