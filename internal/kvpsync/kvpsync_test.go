package kvpsync

import (
	"testing"
	"time"
)

func TestEncodeDecodeInsertRoundTrip(t *testing.T) {
	u := Update{
		OKExpiry: 1234567890,
		SyncID:   42,
		UpdateID: 7,
		Type:     UpdateInsert,
		Key:      []byte("hello"),
		Val:      []byte("world"),
	}
	got, err := DecodeUpdate(EncodeUpdate(u))
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncID != u.SyncID || got.UpdateID != u.UpdateID || string(got.Key) != "hello" || string(got.Val) != "world" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeDeleteRoundTrip(t *testing.T) {
	u := Update{SyncID: 1, UpdateID: 2, Type: UpdateDelete, Key: []byte("k"), DeleteID: 9}
	got, err := DecodeUpdate(EncodeUpdate(u))
	if err != nil {
		t.Fatal(err)
	}
	if got.DeleteID != 9 || string(got.Key) != "k" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeStartRoundTrip(t *testing.T) {
	u := Update{SyncID: 1, UpdateID: 1, Type: UpdateStart, ResyncID: 99}
	got, err := DecodeUpdate(EncodeUpdate(u))
	if err != nil {
		t.Fatal(err)
	}
	if got.ResyncID != 99 {
		t.Fatalf("expected resync id to survive, got %+v", got)
	}
}

func TestDecodeStartRejectsWrongUpdateID(t *testing.T) {
	u := Update{SyncID: 1, UpdateID: 2, Type: UpdateStart, ResyncID: 5}
	_, err := DecodeUpdate(EncodeUpdate(u))
	if err == nil {
		t.Fatal("expected error for start packet with update_id != 1")
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	full := EncodeUpdate(Update{SyncID: 1, UpdateID: 1, Type: UpdateInsert, Key: []byte("k"), Val: []byte("v")})
	_, err := DecodeUpdate(full[:len(full)-1])
	if err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestAckRoundTrip(t *testing.T) {
	a := Ack{SyncID: 5, UpdateID: 6}
	got, err := DecodeAck(EncodeAck(a))
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("ack round trip mismatch: %+v", got)
	}
}

// startReceiver completes the initial handshake and establishes SyncID 1 as
// the receiver's current epoch via a flush, since Get only trusts items
// whose SyncID matches the last flushed one.
func startReceiver(t *testing.T, now time.Time) *Receiver {
	t.Helper()
	r := NewReceiver()
	ack := r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 1, Type: UpdateStart, ResyncID: r.RecvID()})
	if ack.UpdateID != 1 {
		t.Fatalf("expected start to be acked normally, got %+v", ack)
	}
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 2, Type: UpdateFlush, OKExpiry: now.Add(time.Minute).UnixNano()})
	return r
}

func TestReceiverRequestsResyncBeforeStart(t *testing.T) {
	r := NewReceiver()
	now := time.Now()
	ack := r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 5, Type: UpdateInsert, Key: []byte("k"), Val: []byte("v")})
	if ack.UpdateID != 0 || ack.SyncID != r.RecvID() {
		t.Fatalf("expected resync request ack, got %+v", ack)
	}
}

func TestReceiverInsertThenGet(t *testing.T) {
	now := time.Now()
	r := startReceiver(t, now)
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 2, Type: UpdateInsert, Key: []byte("k"), Val: []byte("v"), OKExpiry: now.Add(time.Minute).UnixNano()})

	ans := r.Get(now, []byte("k"))
	if !ans.Found || string(ans.Value) != "v" || ans.Stale {
		t.Fatalf("unexpected answer: %+v", ans)
	}
}

func TestReceiverOutOfOrderDeleteBeforeInsert(t *testing.T) {
	now := time.Now()
	r := startReceiver(t, now)
	// delete arrives first, referencing an insert update_id we haven't seen yet
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 3, Type: UpdateDelete, Key: []byte("k"), DeleteID: 2})
	// the insert shows up later
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 2, Type: UpdateInsert, Key: []byte("k"), Val: []byte("v")})

	ans := r.Get(now.Add(time.Millisecond), []byte("k"))
	if ans.Found {
		t.Fatalf("expected key to read as deleted, got %+v", ans)
	}
}

func TestReceiverDuplicateInsertIgnored(t *testing.T) {
	now := time.Now()
	r := startReceiver(t, now)
	u := Update{SyncID: 1, UpdateID: 2, Type: UpdateInsert, Key: []byte("k"), Val: []byte("v")}
	r.HandleUpdate(now, u)
	r.HandleUpdate(now, u)

	data := r.data["k"]
	if data == nil || len(data.items) != 1 {
		t.Fatalf("expected duplicate insert to be a no-op, got %+v", data)
	}
}

func TestReceiverGCDelayKeepsDeletedPairAroundBriefly(t *testing.T) {
	now := time.Now()
	r := startReceiver(t, now)
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 2, Type: UpdateInsert, Key: []byte("k"), Val: []byte("v")})
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 3, Type: UpdateDelete, Key: []byte("k"), DeleteID: 2})

	// still tracked (for duplicate detection) just after the match
	if _, ok := r.data["k"]; !ok {
		t.Fatal("expected deletion record to remain for GCDelay window")
	}

	past := now.Add(GCDelay + time.Second)
	r.gc(past)
	if _, ok := r.data["k"]; ok {
		t.Fatal("expected deletion record to be collected after GCDelay")
	}
}

func TestReceiverStaleAfterOKExpiry(t *testing.T) {
	now := time.Now()
	r := startReceiver(t, now)
	r.HandleUpdate(now, Update{SyncID: 1, UpdateID: 2, Type: UpdateFlush, OKExpiry: now.Add(time.Second).UnixNano()})

	ans := r.Get(now.Add(2*time.Minute), []byte("missing"))
	if !ans.Stale {
		t.Fatal("expected absence past okExpiry to be reported stale")
	}
}

func TestSenderStartsWithStartPacket(t *testing.T) {
	s := NewSender()
	now := time.Now()
	u, _ := s.Run(now)
	if u == nil || u.Type != UpdateStart {
		t.Fatalf("expected first packet to be start, got %+v", u)
	}
}

func TestSenderSendsQueuedInsertAfterStart(t *testing.T) {
	s := NewSender()
	now := time.Now()
	start, _ := s.Run(now)
	s.HandleAck(now, Ack{SyncID: start.SyncID, UpdateID: start.UpdateID})

	s.AddKey(now, []byte("k"), []byte("v"))
	u, _ := s.Run(now)
	if u == nil || u.Type != UpdateInsert || string(u.Key) != "k" {
		t.Fatalf("expected insert packet, got %+v", u)
	}
}

func TestSenderRespectsInflightLimit(t *testing.T) {
	s := NewSender()
	now := time.Now()
	s.Run(now) // start consumes the single slot at min inflight

	s.AddKey(now, []byte("a"), []byte("1"))
	s.AddKey(now, []byte("b"), []byte("2"))

	u, _ := s.Run(now)
	if u != nil {
		t.Fatalf("expected no packet while start is unacked at inflight limit 1, got %+v", u)
	}
}

func TestSenderAckClearsUnackedAndGrowsWindow(t *testing.T) {
	s := NewSender()
	now := time.Now()
	start, _ := s.Run(now)

	s.HandleAck(now, Ack{SyncID: start.SyncID, UpdateID: start.UpdateID})

	s.AddKey(now, []byte("a"), []byte("1"))
	s.AddKey(now, []byte("b"), []byte("2"))

	first, _ := s.Run(now)
	if first == nil {
		t.Fatal("expected a packet after ack freed the inflight slot")
	}
	second, _ := s.Run(now)
	if second == nil {
		t.Fatal("expected inflight window to have grown to 2 after a full-window ack")
	}
}

func TestSenderRetransmitsAfterTimeout(t *testing.T) {
	s := NewSender()
	now := time.Now()
	start, _ := s.Run(now)
	s.HandleAck(now, Ack{SyncID: start.SyncID, UpdateID: start.UpdateID})

	s.AddKey(now, []byte("a"), []byte("1"))
	first, _ := s.Run(now)
	if first == nil {
		t.Fatal("expected insert to be sent")
	}

	later := now.Add(2 * resendTimeout)
	retransmit, _ := s.Run(later)
	if retransmit == nil || string(retransmit.Key) != "a" {
		t.Fatalf("expected unacked insert to be retransmitted, got %+v", retransmit)
	}
}

func TestSenderResyncRequestRestartsStartSequence(t *testing.T) {
	s := NewSender()
	now := time.Now()
	s.Run(now)

	s.HandleAck(now, Ack{SyncID: 777, UpdateID: 0})
	u, _ := s.Run(now)
	if u == nil || u.Type != UpdateStart || u.ResyncID != 777 {
		t.Fatalf("expected a fresh start packet carrying the resync id, got %+v", u)
	}
}

func TestSenderOKExpiryBoundedByOldestInsert(t *testing.T) {
	s := NewSender()
	now := time.Now()
	start, _ := s.Run(now)
	s.HandleAck(now, Ack{SyncID: start.SyncID, UpdateID: start.UpdateID})
	s.AddKey(now, []byte("a"), []byte("1"))

	u, _ := s.Run(now)
	if u == nil {
		t.Fatal("expected insert packet")
	}
	maxAllowed := now.Add(oldestInsertGrace).UnixNano()
	if u.OKExpiry > maxAllowed {
		t.Fatalf("ok_expiry %d exceeds oldest insert grace bound %d", u.OKExpiry, maxAllowed)
	}
}
