package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// registration is one handler bound to one key.
type registration[P any] struct {
	id      ID
	handler Handler[P]
	once    bool
	fired   atomic.Bool

	// onFire is called after a once registration has been claimed and removed.
	onFire func(id ID)
}

// Bus is an in-memory event bus keyed by K and carrying payloads of type P.
// It is safe for concurrent use. Handlers never run with the bus lock held,
// so they may call back into the bus.
type Bus[K comparable, P any] struct {
	mu     sync.Mutex
	table  map[K][]*registration[P] // key -> registrations in insertion order
	nextID ID

	name     string
	logger   *slog.Logger
	onError  func(error)
	observer Observer
}

// New creates a new event bus with the given configuration.
func New[K comparable, P any](config Config) *Bus[K, P] {
	name := config.Name
	if name == "" {
		name = "default"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := config.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Bus[K, P]{
		table:    make(map[K][]*registration[P]),
		name:     name,
		logger:   logger,
		onError:  config.ErrorHandler,
		observer: observer,
	}
}

// Name returns the configured bus name.
func (b *Bus[K, P]) Name() string {
	return b.name
}

// On registers h for key and returns its registration ID.
func (b *Bus[K, P]) On(key K, h Handler[P]) ID {
	return b.subscribe(key, h, false, nil)
}

// Once registers h for key so that it is invoked at most once. The
// registration coexists with every other registration for key; it removes
// only itself when it fires.
func (b *Bus[K, P]) Once(key K, h Handler[P]) ID {
	return b.subscribe(key, h, true, nil)
}

func (b *Bus[K, P]) subscribe(key K, h Handler[P], once bool, onFire func(ID)) ID {
	b.mu.Lock()
	b.nextID++
	reg := &registration[P]{
		id:      b.nextID,
		handler: h,
		once:    once,
		onFire:  onFire,
	}
	b.table[key] = append(b.table[key], reg)
	b.mu.Unlock()

	b.observer.ObserveSubscribe(SubscribeObservation{
		Bus:  b.name,
		Key:  keyString(key),
		ID:   reg.id,
		Once: once,
	})
	return reg.id
}

// Off removes registrations for key. With no ids every registration for key
// is removed, including those owned by live scopes. With ids, every
// registration whose ID matches is removed. Unknown keys and IDs are ignored.
func (b *Bus[K, P]) Off(key K, ids ...ID) {
	b.remove(key, ids)
}

// remove reports how many registrations were dropped.
func (b *Bus[K, P]) remove(key K, ids []ID) int {
	b.mu.Lock()
	regs, ok := b.table[key]
	if !ok {
		b.mu.Unlock()
		return 0
	}

	var removed int
	if len(ids) == 0 {
		removed = len(regs)
		delete(b.table, key)
	} else {
		// Emit snapshots alias the current slice, so build a new one.
		kept := make([]*registration[P], 0, len(regs))
		for _, reg := range regs {
			if slices.Contains(ids, reg.id) {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(b.table, key)
		} else if removed > 0 {
			b.table[key] = kept
		}
	}
	b.mu.Unlock()

	if removed > 0 {
		b.observer.ObserveUnsubscribe(UnsubscribeObservation{
			Bus:     b.name,
			Key:     keyString(key),
			Removed: removed,
		})
	}
	return removed
}

// Emit delivers payload to every handler registered for key when Emit is
// called, in registration order. Handlers added or removed during delivery
// do not affect this pass. A panicking handler is reported and skipped.
func (b *Bus[K, P]) Emit(key K, payload P) {
	_ = b.deliver(context.Background(), key, payload)
}

// EmitContext is like Emit but stops before the next handler once ctx is
// done, returning ctx.Err(). A handler that has started is never interrupted.
func (b *Bus[K, P]) EmitContext(ctx context.Context, key K, payload P) error {
	return b.deliver(ctx, key, payload)
}

func (b *Bus[K, P]) deliver(ctx context.Context, key K, payload P) error {
	b.mu.Lock()
	snapshot := b.table[key]
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	obs := EmitObservation{
		Bus:      b.name,
		Key:      keyString(key),
		Handlers: len(snapshot),
		Start:    time.Now(),
	}

	var err error
	for _, reg := range snapshot {
		if err = ctx.Err(); err != nil {
			obs.Canceled = true
			break
		}
		if reg.once {
			// Claim first so a re-entrant or concurrent emit cannot fire it again.
			if !reg.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(key, []ID{reg.id})
			if reg.onFire != nil {
				reg.onFire(reg.id)
			}
		}
		if reg.handler == nil {
			continue
		}
		if herr := b.invoke(obs.Key, reg, payload); herr != nil {
			obs.Failed++
			continue
		}
		obs.Delivered++
	}

	obs.Duration = time.Since(obs.Start)
	b.observer.ObserveEmit(obs)
	return err
}

// invoke runs one handler, converting a panic into a reported *HandlerError.
func (b *Bus[K, P]) invoke(key string, reg *registration[P], payload P) (herr *HandlerError) {
	defer func() {
		if v := recover(); v != nil {
			herr = &HandlerError{
				Key:   key,
				ID:    reg.id,
				Value: v,
				Stack: debug.Stack(),
			}
			b.report(herr)
		}
	}()
	reg.handler(payload)
	return nil
}

func (b *Bus[K, P]) report(herr *HandlerError) {
	b.logger.Error("event handler panicked",
		"bus", b.name,
		"key", herr.Key,
		"id", herr.ID,
		"error", herr,
	)
	b.observer.ObserveFailure(b.name, herr)
	if b.onError != nil {
		b.onError(herr)
	}
}

// Len returns the number of registrations for key.
func (b *Bus[K, P]) Len(key K) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.table[key])
}

// Has reports whether key has at least one registration.
func (b *Bus[K, P]) Has(key K) bool {
	return b.Len(key) > 0
}

// Keys returns the keys that currently have registrations, in no particular order.
func (b *Bus[K, P]) Keys() []K {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]K, 0, len(b.table))
	for k := range b.table {
		keys = append(keys, k)
	}
	return keys
}

// Reset drops every registration. Scopes created earlier stay usable; their
// later teardown finds nothing to remove. Intended for test harnesses.
func (b *Bus[K, P]) Reset() {
	b.mu.Lock()
	old := b.table
	b.table = make(map[K][]*registration[P])
	b.mu.Unlock()

	for key, regs := range old {
		b.observer.ObserveUnsubscribe(UnsubscribeObservation{
			Bus:     b.name,
			Key:     keyString(key),
			Removed: len(regs),
		})
	}
	b.logger.Debug("bus reset", "bus", b.name, "keys", len(old))
}

// Scope returns a new Scope bound to b.
func (b *Bus[K, P]) Scope() *Scope[K, P] {
	return NewScope(b)
}

func keyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprint(key)
	}
}
