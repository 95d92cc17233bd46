package kvpsync

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// GCDelay defers annihilation of a matched insert/delete pair by this long
// after the match is discovered, so a datagram duplicated or delayed by the
// network cannot resurrect state that has already been deleted (or vice
// versa). 255 is chosen the same way IPv4's max TTL is: a bound on how long
// a duplicate can plausibly still be in flight.
const GCDelay = 255 * time.Second

// MinResponse is the 15-second freshness window. Receiver does not consult
// it: Get reports an absent or deleted key as stale as soon as now reaches
// okExpiry, with no further grace period.
const MinResponse = 15 * time.Second

type datum struct {
	syncID   uint32
	updateID uint32
	deleteID uint32 // nonzero means this datum is a deletion
	val      []byte
	gcAt     time.Time // zero means not scheduled for collection
}

type recvData struct {
	items []*datum
}

// Receiver applies Update packets idempotently into a local key-value view,
// tolerating out-of-order and duplicate delivery.
type Receiver struct {
	recvID uint32

	initialSyncAcked bool
	syncID           uint32
	okExpiry         time.Time

	data map[string]*recvData
}

// NewReceiver picks a random nonzero receiver id, used to recognize the
// START packet that begins a sync this receiver requested.
func NewReceiver() *Receiver {
	var recvID uint32
	for recvID == 0 {
		var b [4]byte
		_, _ = rand.Read(b[:])
		recvID = binary.BigEndian.Uint32(b[:])
	}
	return &Receiver{recvID: recvID, data: make(map[string]*recvData)}
}

// RecvID returns this receiver's identity, used as the SyncID in a resync
// request ack.
func (r *Receiver) RecvID() uint32 { return r.recvID }

// HandleUpdate processes one inbound Update at time now, returning the Ack
// to send back. Before the initial sync completes, any packet other than a
// matching START yields a resync-request ack (SyncID=RecvID, UpdateID=0)
// instead of a normal ack.
func (r *Receiver) HandleUpdate(now time.Time, u Update) Ack {
	ack := Ack{SyncID: u.SyncID, UpdateID: u.UpdateID}

	if !r.initialSyncAcked {
		if u.Type != UpdateStart || u.ResyncID != r.recvID {
			return Ack{SyncID: r.recvID, UpdateID: 0}
		}
		r.initialSyncAcked = true
		return ack
	}

	r.gc(now)

	if u.SyncID == r.syncID && u.OKExpiry > r.okExpiry.UnixNano() {
		r.okExpiry = time.Unix(0, u.OKExpiry)
	}

	switch u.Type {
	case UpdateEmpty, UpdateStart:
		// keepalive / passive resync marker, no state change
	case UpdateFlush:
		r.syncID = u.SyncID
		if u.OKExpiry > r.okExpiry.UnixNano() {
			r.okExpiry = time.Unix(0, u.OKExpiry)
		}
		r.flushStale()
	case UpdateInsert, UpdateDelete:
		r.handleRecvOrDelete(now, u.SyncID, u.UpdateID, u.Key, u.DeleteID, u.Val)
	}

	return ack
}

// handleRecvOrDelete mirrors handle_recv_or_delete: insertions and
// deletions for the same key are tracked as objects, not actions, so an
// out-of-order delete that arrives before its matching insert is not lost.
func (r *Receiver) handleRecvOrDelete(now time.Time, syncID, updateID uint32, key []byte, deleteID uint32, val []byte) {
	k := string(key)
	data, ok := r.data[k]
	if !ok {
		data = &recvData{}
		r.data[k] = data
		data.items = append(data.items, &datum{syncID: syncID, updateID: updateID, deleteID: deleteID, val: append([]byte{}, val...)})
		return
	}

	for i, other := range data.items {
		if other.syncID != syncID {
			continue
		}
		if other.updateID == updateID {
			return // duplicate packet
		}
		if deleteID != 0 && other.updateID == deleteID {
			// this is a deletion matching an existing insertion: drop the
			// insertion now, keep the deletion on a GC timer.
			data.items = append(data.items[:i], data.items[i+1:]...)
			nd := &datum{syncID: syncID, updateID: updateID, deleteID: deleteID, val: append([]byte{}, val...), gcAt: now.Add(GCDelay)}
			data.items = append(data.items, nd)
			return
		}
		if deleteID == 0 && other.deleteID == updateID {
			// this is an insertion matching an existing deletion.
			if !other.gcAt.IsZero() {
				return // already scheduled
			}
			other.gcAt = now.Add(GCDelay)
			return
		}
	}

	data.items = append(data.items, &datum{syncID: syncID, updateID: updateID, deleteID: deleteID, val: append([]byte{}, val...)})
}

func (r *Receiver) gc(now time.Time) {
	for key, data := range r.data {
		kept := data.items[:0]
		for _, d := range data.items {
			if !d.gcAt.IsZero() && !now.Before(d.gcAt) {
				continue
			}
			kept = append(kept, d)
		}
		data.items = kept
		if len(data.items) == 0 {
			delete(r.data, key)
		}
	}
}

func (r *Receiver) flushStale() {
	for key, data := range r.data {
		kept := data.items[:0]
		for _, d := range data.items {
			if d.syncID == r.syncID {
				kept = append(kept, d)
			}
		}
		data.items = kept
		if len(data.items) == 0 {
			delete(r.data, key)
		}
	}
}

// Answer is the result of a Get lookup: present with Found true and Stale
// false means confident service; Found false with Stale false means "we
// know there's no value, confidently"; Stale true means the receiver's
// information has aged past okExpiry and the caller should not trust a nil
// result (but a positive hit is still served confidently either way).
type Answer struct {
	Value []byte
	Found bool
	Stale bool
}

// Get looks up key at time now, following kvpsync_recv_get_value's
// confidence rules: a present value is always served confidently; the
// absence of one is only confident before okExpiry.
func (r *Receiver) Get(now time.Time, key []byte) Answer {
	r.gc(now)

	if r.syncID == 0 {
		return Answer{Stale: true}
	}

	data, ok := r.data[string(key)]
	if !ok {
		return Answer{Stale: !now.Before(r.okExpiry)}
	}

	var best *datum
	for _, d := range data.items {
		if d.syncID != r.syncID {
			continue
		}
		if best == nil || d.updateID >= best.updateID {
			best = d
		}
	}
	if best == nil {
		return Answer{Stale: !now.Before(r.okExpiry)}
	}
	if best.deleteID != 0 {
		return Answer{Stale: !now.Before(r.okExpiry)}
	}
	return Answer{Value: best.val, Found: true}
}
