package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeClosed is returned when subscribing through a scope that has
	// already been torn down.
	ErrScopeClosed = errors.New("bus: scope is torn down")

	// ErrHandlerPanic is wrapped by every *HandlerError.
	ErrHandlerPanic = errors.New("bus: handler panicked")
)

// HandlerError reports a handler that panicked during delivery. The panic is
// contained; remaining handlers of the same emit still run.
type HandlerError struct {
	Key   string
	ID    ID
	Value any
	Stack []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("bus: handler %d for key %q panicked: %v", e.ID, e.Key, e.Value)
}

// Unwrap returns ErrHandlerPanic, and the panic value too when it is an error.
func (e *HandlerError) Unwrap() []error {
	if err, ok := e.Value.(error); ok {
		return []error{ErrHandlerPanic, err}
	}
	return []error{ErrHandlerPanic}
}
