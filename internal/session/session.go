// Package session implements the per-connection object shared by the
// socket, TLS, and IMAP engines (spec.md §4.1): a reference-counted
// lifecycle that guarantees destruction happens exactly once, after every
// engine has released its references, regardless of which thread detected
// failure first.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/infodancer/citm/internal/errs"
)

// EngineKind identifies one of the three cooperating engines.
type EngineKind int

const (
	Socket EngineKind = iota
	TLS
	IMAP
	numEngines
)

func (k EngineKind) String() string {
	switch k {
	case Socket:
		return "socket"
	case TLS:
		return "tls"
	case IMAP:
		return "imap"
	default:
		return "unknown"
	}
}

// Reason partitions each engine's refcount for leak diagnosis; it carries
// no behavior, only bookkeeping (spec.md §3 Session invariants).
type Reason int

const (
	ReadInFlight Reason = iota
	WriteInFlight
	StartPending
	ClosePending
	closeGuard // internal: the extra ref Close holds across DataClose calls
	numReasons
)

// Direction distinguishes which side of the proxy a session faces.
type Direction int

const (
	// Upwards sessions face the remote mail server; we are the client.
	Upwards Direction = iota
	// Downwards sessions face the local mail client; we are the server.
	Downwards
)

// Hooks is the set of per-engine lifecycle callbacks a Session invokes.
// An engine that never attaches to a given session leaves its slot nil.
type Hooks interface {
	// DataClose is invoked exactly once, the first time Close is called
	// for this session, while the session holds an extra guard reference.
	DataClose(s *Session)
	// DataPostclose is invoked once the total refcount reaches zero, before
	// the owner's destroyed callback fires.
	DataPostclose(s *Session)
}

// DestroyedFunc is invoked exactly once, when the session is fully torn
// down, with the final accumulated error (nil on clean shutdown).
type DestroyedFunc func(s *Session, final *errs.Error)

// Session is the central per-connection object.
type Session struct {
	ID        string
	Direction Direction

	mu          sync.Mutex
	reasonCount [numEngines][numReasons]int32
	accumulated *errs.Error
	substates   [numEngines]any

	total int32 // atomic

	closeOnce sync.Once
	closed    atomic.Bool

	destroyOnce sync.Once
	hooks       [numEngines]Hooks
	destroyed   DestroyedFunc
}

// New creates a session with zero references. Callers must RefUp for each
// engine that will participate before handing out further references.
func New(direction Direction, destroyed DestroyedFunc) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Direction: direction,
		destroyed: destroyed,
	}
}

// SetHooks attaches an engine's lifecycle hooks. Must be called before any
// RefUp for that engine kind.
func (s *Session) SetHooks(kind EngineKind, h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[kind] = h
}

// SetSubstate stores the engine-private sub-state attached to this session.
// Only the owning engine's worker goroutine should call this, per the
// single-threaded-per-engine ordering guarantee in spec.md §5.
func (s *Session) SetSubstate(kind EngineKind, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.substates[kind] = v
}

// Substate retrieves the engine-private sub-state, or nil if unset.
func (s *Session) Substate(kind EngineKind) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.substates[kind]
}

// Closed reports whether Close has been called. Once true, engines must
// reject new work for this session (spec.md §4.1).
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// RefUp increments the session's total refcount and the per-reason counter
// for kind/reason. Callable from any thread.
func (s *Session) RefUp(kind EngineKind, reason Reason) {
	atomic.AddInt32(&s.total, 1)
	s.mu.Lock()
	s.reasonCount[kind][reason]++
	s.mu.Unlock()
}

// RefDown decrements the session's total refcount and the per-reason
// counter. If the total reaches zero, this call triggers the destruction
// sequence: each attached engine's DataPostclose hook runs, then the
// owner's destroyed callback fires with the accumulated error.
func (s *Session) RefDown(kind EngineKind, reason Reason) {
	s.mu.Lock()
	s.reasonCount[kind][reason]--
	negative := s.reasonCount[kind][reason] < 0
	s.mu.Unlock()
	if negative {
		// Per-reason counters are diagnostics only; log and keep going so
		// teardown still completes (spec.md §4.1).
		s.accumulate(errs.New(errs.Internal, "refcount reason %d/%d went negative on session %s", kind, reason, s.ID))
	}

	remaining := atomic.AddInt32(&s.total, -1)
	if remaining < 0 {
		panic("session: total refcount went negative; ref_up/ref_down are unbalanced")
	}
	if remaining == 0 {
		s.destroyOnce.Do(s.destroy)
	}
}

func (s *Session) accumulate(e *errs.Error) {
	s.mu.Lock()
	s.accumulated = errs.Merge(s.accumulated, e)
	s.mu.Unlock()
}

func (s *Session) destroy() {
	for kind := EngineKind(0); kind < numEngines; kind++ {
		if h := s.hooks[kind]; h != nil {
			h.DataPostclose(s)
		}
	}
	s.mu.Lock()
	final := s.accumulated
	s.mu.Unlock()
	if s.destroyed != nil {
		s.destroyed(s, final)
	}
}

// Close merges err into the session's accumulated error (every call, so
// concurrent callers with distinct errors all contribute to the trace per
// spec.md §8), and on the first call only, transitions closed=true and
// invokes each attached engine's DataClose hook exactly once while holding
// an extra guard reference so the session cannot be destroyed mid-close.
func (s *Session) Close(err *errs.Error) {
	s.accumulate(err)

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.RefUp(Socket, closeGuard)
		for kind := EngineKind(0); kind < numEngines; kind++ {
			if h := s.hooks[kind]; h != nil {
				h.DataClose(s)
			}
		}
		s.RefDown(Socket, closeGuard)
	})
}

// TotalRefs returns the current total refcount, for tests and diagnostics.
func (s *Session) TotalRefs() int32 {
	return atomic.LoadInt32(&s.total)
}

// ReasonCount returns the current count for one engine/reason pair, for
// tests and leak diagnosis.
func (s *Session) ReasonCount(kind EngineKind, reason Reason) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasonCount[kind][reason]
}
