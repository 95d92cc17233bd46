package kvpsync

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

const (
	minInflight       = 1
	increasePkts      = 1
	decreaseBackoff   = time.Second
	resendTimeout     = time.Second
	oldestInsertGrace = 15 * time.Second
)

func decreaseByFactor(n int) int { return (n * 4) / 5 }

type sendItem struct {
	update Update

	inflight         bool
	inflightAtSend   int
	congestValidity  uint32
	sentTime         time.Time
	oldestDeadline   time.Time // zero unless this is an unacked insert
}

// Sender replicates a local key-value cache to receivers, retransmitting
// unacked packets under AIMD congestion control (additive increase,
// multiplicative decrease per RFC 5348) and reporting an OKExpiry bound on
// every outgoing packet that never exceeds 15 seconds past the oldest
// still-unacknowledged insert's deadline.
type Sender struct {
	syncID   uint32
	resyncID uint32
	updateID uint32

	cache map[string]*sendItem // latest known value per key, for resyncs

	unsent []*sendItem
	unacked map[uint32]*sendItem
	sent    []*sendItem // oldest-sent-first

	oldest []*sendItem // unacked inserts, oldest-added-first

	inflight        int
	inflightLimit   int
	decreaseBackoffUntil time.Time
	congestValidity uint32

	startSent bool
	startDone bool
}

// NewSender creates a sender with a fresh random sync id, ready to be
// driven by Run/HandleAck.
func NewSender() *Sender {
	var syncID uint32
	for syncID == 0 {
		var b [4]byte
		_, _ = rand.Read(b[:])
		syncID = binary.BigEndian.Uint32(b[:])
	}
	return &Sender{
		syncID:        syncID,
		updateID:      1, // update id 1 belongs to the START packet
		cache:         make(map[string]*sendItem),
		unacked:       make(map[uint32]*sendItem),
		inflightLimit: minInflight,
	}
}

func (s *Sender) nextUpdateID() uint32 {
	s.updateID++
	return s.updateID
}

// AddKey queues an insert for key/val, replacing any prior value for the
// same key in the cache (a fresh resync will replay the latest value, not
// every historical one).
func (s *Sender) AddKey(now time.Time, key, val []byte) {
	item := &sendItem{update: Update{
		SyncID:   s.syncID,
		UpdateID: s.nextUpdateID(),
		Type:     UpdateInsert,
		Key:      append([]byte{}, key...),
		Val:      append([]byte{}, val...),
	}}
	item.oldestDeadline = now.Add(oldestInsertGrace)
	s.cache[string(key)] = item
	s.unsent = append(s.unsent, item)
	s.unacked[item.update.UpdateID] = item
	s.oldest = append(s.oldest, item)
}

// DeleteKey queues a delete for key, referencing the update id of the
// cached insert it cancels (if known) so receivers can match and
// annihilate the pair.
func (s *Sender) DeleteKey(key []byte) {
	var deleteID uint32
	if prior, ok := s.cache[string(key)]; ok {
		deleteID = prior.update.UpdateID
		delete(s.cache, string(key))
	}
	item := &sendItem{update: Update{
		SyncID:   s.syncID,
		UpdateID: s.nextUpdateID(),
		Type:     UpdateDelete,
		Key:      append([]byte{}, key...),
		DeleteID: deleteID,
	}}
	s.unsent = append(s.unsent, item)
	s.unacked[item.update.UpdateID] = item
}

// HandleAck processes an incoming Ack. An ack with UpdateID 0 is a resync
// request (the receiver's SyncID becomes the ResyncID of our next START
// packet); any other ack clears the matching unacked packet.
func (s *Sender) HandleAck(now time.Time, ack Ack) {
	if ack.UpdateID == 0 {
		s.resyncID = ack.SyncID
		s.startSent = false
		s.startDone = false
		return
	}
	item, ok := s.unacked[ack.UpdateID]
	if !ok {
		return
	}
	delete(s.unacked, ack.UpdateID)
	s.removeFromSent(item)
	s.removeFromOldest(item)

	if item.inflight {
		s.inflight--
		item.inflight = false
	}
	// congestion control: only a success at the same inflight_limit "epoch"
	// this packet was sent under counts toward increasing it.
	if item.congestValidity == s.congestValidity && item.inflightAtSend >= s.inflightLimit {
		s.inflightLimit += increasePkts
		s.congestValidity++
	}
}

func (s *Sender) removeFromSent(item *sendItem) {
	for i, v := range s.sent {
		if v == item {
			s.sent = append(s.sent[:i], s.sent[i+1:]...)
			return
		}
	}
}

func (s *Sender) removeFromOldest(item *sendItem) {
	for i, v := range s.oldest {
		if v == item {
			s.oldest = append(s.oldest[:i], s.oldest[i+1:]...)
			return
		}
	}
}

func (s *Sender) inflightIsFull() bool { return s.inflight >= s.inflightLimit }

// okExpiry bounds the freshness guarantee carried on outgoing packets: it
// may never promise more than 15 seconds past the oldest unacked insert's
// deadline, so a receiver that never hears again from us ages out rather
// than serving a value forever.
func (s *Sender) okExpiry(now time.Time) time.Time {
	if len(s.oldest) == 0 {
		return now
	}
	return s.oldest[0].oldestDeadline
}

// Run advances the sender's state machine at time now, returning the next
// packet to transmit (nil if nothing is due) and the time Run should be
// called again.
func (s *Sender) Run(now time.Time) (*Update, time.Time) {
	// retransmit anything that has waited past its resend timeout, oldest
	// first, moving it back to unsent (no longer counted as inflight).
	for len(s.sent) > 0 {
		item := s.sent[0]
		if now.Before(item.sentTime.Add(resendTimeout)) {
			break
		}
		s.sent = s.sent[1:]
		if item.inflight {
			s.inflight--
			item.inflight = false
		}
		s.unsent = append(s.unsent, item)
	}

	if !s.startSent {
		item := &sendItem{update: Update{
			SyncID:   s.syncID,
			UpdateID: 1,
			Type:     UpdateStart,
			ResyncID: s.resyncID,
		}}
		s.startSent = true
		s.unacked[item.update.UpdateID] = item
		return s.transmit(now, item)
	}

	if !s.inflightIsFull() && len(s.unsent) > 0 {
		item := s.unsent[0]
		s.unsent = s.unsent[1:]
		return s.transmit(now, item)
	}

	// nothing to send; decay the congestion window if we've been idle past
	// the backoff window and still have packets outstanding.
	if len(s.unacked) > 0 && !now.Before(s.decreaseBackoffUntil) {
		s.inflightLimit = decreaseByFactor(s.inflightLimit)
		if s.inflightLimit < minInflight {
			s.inflightLimit = minInflight
		}
		s.decreaseBackoffUntil = now.Add(decreaseBackoff)
		s.congestValidity++
	}

	deadline := now.Add(resendTimeout)
	if len(s.sent) > 0 {
		next := s.sent[0].sentTime.Add(resendTimeout)
		if next.Before(deadline) {
			deadline = next
		}
	}
	return nil, deadline
}

func (s *Sender) transmit(now time.Time, item *sendItem) (*Update, time.Time) {
	item.update.OKExpiry = s.okExpiry(now).UnixNano()
	item.sentTime = now
	item.inflight = true
	s.inflight++
	item.inflightAtSend = s.inflight
	item.congestValidity = s.congestValidity
	s.sent = append(s.sent, item)
	return &item.update, now.Add(resendTimeout)
}
