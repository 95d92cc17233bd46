package session

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/infodancer/citm/internal/errs"
)

type countingHooks struct {
	closeCalls     int32
	postcloseCalls int32
}

func (h *countingHooks) DataClose(s *Session)     { atomic.AddInt32(&h.closeCalls, 1) }
func (h *countingHooks) DataPostclose(s *Session) { atomic.AddInt32(&h.postcloseCalls, 1) }

func TestDestroyFiresExactlyOnceAfterBalancedRefs(t *testing.T) {
	var destroyedCount int32
	var finalErr *errs.Error
	s := New(Upwards, func(sess *Session, final *errs.Error) {
		atomic.AddInt32(&destroyedCount, 1)
		finalErr = final
	})
	hooks := &countingHooks{}
	s.SetHooks(Socket, hooks)
	s.SetHooks(TLS, hooks)
	s.SetHooks(IMAP, hooks)

	s.RefUp(Socket, ReadInFlight)
	s.RefUp(TLS, ReadInFlight)
	s.RefUp(IMAP, StartPending)

	if destroyedCount != 0 {
		t.Fatalf("destroyed fired before refs released")
	}

	s.RefDown(Socket, ReadInFlight)
	s.RefDown(TLS, ReadInFlight)
	if destroyedCount != 0 {
		t.Fatalf("destroyed fired before last ref released")
	}
	s.RefDown(IMAP, StartPending)

	if destroyedCount != 1 {
		t.Fatalf("expected destroyed exactly once, got %d", destroyedCount)
	}
	if finalErr != nil {
		t.Fatalf("expected nil final error on clean shutdown, got %v", finalErr)
	}
}

func TestCloseIsIdempotentAndCallsHooksOnce(t *testing.T) {
	s := New(Downwards, func(sess *Session, final *errs.Error) {})
	hooks := &countingHooks{}
	s.SetHooks(Socket, hooks)

	s.RefUp(Socket, ReadInFlight)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Close(errs.New(errs.Conn, "concurrent close %d", i))
		}(i)
	}
	wg.Wait()

	if hooks.closeCalls != 1 {
		t.Fatalf("expected DataClose called exactly once, got %d", hooks.closeCalls)
	}
	if !s.Closed() {
		t.Fatalf("expected session to be marked closed")
	}

	s.RefDown(Socket, ReadInFlight)
}

func TestCloseMergesConcurrentErrors(t *testing.T) {
	s := New(Upwards, func(sess *Session, final *errs.Error) {})
	s.RefUp(Socket, ReadInFlight)

	s.Close(errs.New(errs.Canceled, "ctx canceled"))
	s.Close(errs.New(errs.Ssl, "bad tag"))

	s.mu.Lock()
	acc := s.accumulated
	s.mu.Unlock()
	if acc.Kind != errs.Ssl {
		t.Fatalf("expected Ssl to win over Canceled, got %s", acc.Kind)
	}

	s.RefDown(Socket, ReadInFlight)
}

func TestRefDownBelowZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unbalanced ref_down")
		}
	}()
	s := New(Upwards, nil)
	s.RefDown(Socket, ReadInFlight)
}
