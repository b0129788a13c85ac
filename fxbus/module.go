// Package fxbus wires petalbus into go.uber.org/fx applications: the bus is
// provided as a singleton and consumer scopes are torn down by the
// application lifecycle.
package fxbus

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/petal-labs/petalbus/bus"
)

// Params are the optional dependencies the bus picks up from the container.
// When present they override the matching fields of the Config given to Module.
type Params struct {
	fx.In

	Logger   *slog.Logger `optional:"true"`
	Observer bus.Observer `optional:"true"`
}

// Module returns an fx module that provides a *bus.Bus[K, P].
func Module[K comparable, P any](cfg bus.Config) fx.Option {
	return fx.Module("petalbus",
		fx.Provide(provideBus[K, P](cfg)),
		fx.Invoke(registerLifecycle[K, P]),
	)
}

func provideBus[K comparable, P any](cfg bus.Config) func(Params) *bus.Bus[K, P] {
	return func(p Params) *bus.Bus[K, P] {
		if p.Logger != nil {
			cfg.Logger = p.Logger
		}
		if p.Observer != nil {
			cfg.Observer = p.Observer
		}
		return bus.New[K, P](cfg)
	}
}

// lifecycleInput is the input of registerLifecycle.
type lifecycleInput[K comparable, P any] struct {
	fx.In

	LC     fx.Lifecycle
	Bus    *bus.Bus[K, P]
	Logger *slog.Logger `optional:"true"`
}

func registerLifecycle[K comparable, P any](in lifecycleInput[K, P]) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in.LC.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			logger.Debug("bus stopping",
				"bus", in.Bus.Name(),
				"keys", len(in.Bus.Keys()),
			)
			return nil
		},
	})
}

// NewScope creates a scope on b that is torn down when the application stops.
// Call it from a consumer's constructor so each consumer owns its scope:
//
//	func NewPanel(lc fx.Lifecycle, b *bus.Bus[string, Event]) (*Panel, error) {
//		p := &Panel{}
//		s := fxbus.NewScope(lc, b)
//		if _, err := s.On("refresh", p.refresh); err != nil {
//			return nil, err
//		}
//		return p, nil
//	}
func NewScope[K comparable, P any](lc fx.Lifecycle, b *bus.Bus[K, P]) *bus.Scope[K, P] {
	s := b.Scope()
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			s.Teardown()
			return nil
		},
	})
	return s
}
