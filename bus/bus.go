// Package bus provides an in-process publish/subscribe event bus with
// scoped subscriptions. A Bus is the single source of truth for the handlers
// registered under each event key; a Scope wraps a Bus for one consumer and
// records every subscription made through it so that tearing the scope down
// removes exactly those subscriptions and nothing else.
//
// Delivery is synchronous: Emit invokes the handlers registered for a key on
// the caller's goroutine, in registration order, against a snapshot of the
// handler list taken when Emit starts.
package bus

import "log/slog"

// ID identifies one registration on a Bus. IDs are never zero and are never
// reused by the same Bus.
type ID uint64

// Handler receives the payload of an emitted event.
type Handler[P any] func(payload P)

// Config configures a Bus. The zero value is ready to use.
type Config struct {
	// Name labels the bus in logs and observations (default: "default").
	Name string

	// Logger receives handler failures and lifecycle diagnostics
	// (default: slog.Default()).
	Logger *slog.Logger

	// ErrorHandler, when set, is called with every *HandlerError after it
	// has been logged.
	ErrorHandler func(err error)

	// Observer receives subscription and delivery observations.
	Observer Observer
}
