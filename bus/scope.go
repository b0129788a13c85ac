package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ledgerEntry records one registration made through a Scope.
type ledgerEntry struct {
	id   ID
	once bool
}

// Scope tracks the subscriptions one consumer makes on a Bus so they can be
// removed exactly, and only them, when the consumer goes away.
//
// A Scope starts active. Teardown moves it to torn-down for good: the ledger
// is replayed against the bus and further On or Once calls fail with
// ErrScopeClosed. Emit and Off keep working after teardown because they
// forward to the bus without recording anything.
type Scope[K comparable, P any] struct {
	bus *Bus[K, P]
	id  string

	mu     sync.Mutex
	ledger map[K][]ledgerEntry
	closed bool
}

// NewScope creates an active scope bound to b.
func NewScope[K comparable, P any](b *Bus[K, P]) *Scope[K, P] {
	return &Scope[K, P]{
		bus:    b,
		id:     uuid.NewString(),
		ledger: make(map[K][]ledgerEntry),
	}
}

// ID returns the scope's unique identifier.
func (s *Scope[K, P]) ID() string {
	return s.id
}

// Bus returns the bus the scope forwards to.
func (s *Scope[K, P]) Bus() *Bus[K, P] {
	return s.bus
}

// On registers h for key on the bus and records it for teardown.
func (s *Scope[K, P]) On(key K, h Handler[P]) (ID, error) {
	return s.subscribe(key, h, false)
}

// Once registers a fire-at-most-once handler for key on the bus and records
// it for teardown. Once it fires, the record is dropped from the ledger.
func (s *Scope[K, P]) Once(key K, h Handler[P]) (ID, error) {
	return s.subscribe(key, h, true)
}

func (s *Scope[K, P]) subscribe(key K, h Handler[P], once bool) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.bus.logger.Warn("subscribe on torn-down scope",
			"bus", s.bus.name,
			"scope", s.id,
			"key", keyString(key),
		)
		return 0, ErrScopeClosed
	}

	var onFire func(ID)
	if once {
		onFire = func(id ID) { s.forget(key, id) }
	}
	// Holding s.mu here keeps Teardown from missing a registration in flight.
	id := s.bus.subscribe(key, h, once, onFire)
	s.ledger[key] = append(s.ledger[key], ledgerEntry{id: id, once: once})
	return id, nil
}

// forget drops a fired once registration from the ledger.
func (s *Scope[K, P]) forget(key K, id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(key, []ID{id})
}

func (s *Scope[K, P]) dropLocked(key K, ids []ID) {
	entries, ok := s.ledger[key]
	if !ok {
		return
	}
	if len(ids) == 0 {
		delete(s.ledger, key)
		return
	}
	kept := entries[:0]
	for _, e := range entries {
		if !slices.Contains(ids, e.id) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.ledger, key)
		return
	}
	s.ledger[key] = kept
}

// Off forwards to Bus.Off and therefore affects every consumer of key, not
// just this scope. Matching ledger entries are dropped.
func (s *Scope[K, P]) Off(key K, ids ...ID) {
	s.bus.Off(key, ids...)

	s.mu.Lock()
	s.dropLocked(key, ids)
	s.mu.Unlock()
}

// Emit forwards to Bus.Emit.
func (s *Scope[K, P]) Emit(key K, payload P) {
	s.bus.Emit(key, payload)
}

// EmitContext forwards to Bus.EmitContext.
func (s *Scope[K, P]) EmitContext(ctx context.Context, key K, payload P) error {
	return s.bus.EmitContext(ctx, key, payload)
}

// Teardown removes from the bus exactly the registrations made through this
// scope that are still recorded, then clears the ledger. Calling it again is
// a no-op. It is safe to call from inside a handler.
func (s *Scope[K, P]) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ledger := s.ledger
	s.ledger = make(map[K][]ledgerEntry)
	s.mu.Unlock()

	var released, pendingOnce int
	for key, entries := range ledger {
		if len(entries) == 0 {
			// Off with no IDs would clear the key for everyone.
			continue
		}
		ids := make([]ID, len(entries))
		for i, e := range entries {
			ids[i] = e.id
			if e.once {
				pendingOnce++
			}
		}
		released += s.bus.remove(key, ids)
	}

	s.bus.logger.Debug("scope torn down",
		"bus", s.bus.name,
		"scope", s.id,
		"released", released,
		"pending_once", pendingOnce,
	)
}

// Close tears the scope down. It always returns nil.
func (s *Scope[K, P]) Close() error {
	s.Teardown()
	return nil
}

// BindContext tears the scope down when ctx is done. The returned stop func
// detaches the binding and reports whether it did so before teardown ran.
func (s *Scope[K, P]) BindContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, s.Teardown)
}

// Active reports whether the scope still accepts subscriptions.
func (s *Scope[K, P]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Len returns the number of registrations currently recorded in the ledger.
func (s *Scope[K, P]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, entries := range s.ledger {
		n += len(entries)
	}
	return n
}
