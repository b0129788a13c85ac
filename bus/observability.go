package bus

import (
	"time"
)

// SubscribeObservation captures one registration added to a bus.
type SubscribeObservation struct {
	Bus  string
	Key  string
	ID   ID
	Once bool
}

// UnsubscribeObservation captures registrations removed from one key.
type UnsubscribeObservation struct {
	Bus     string
	Key     string
	Removed int
}

// EmitObservation captures one delivery pass.
type EmitObservation struct {
	Bus       string
	Key       string
	Handlers  int // registrations in the snapshot
	Delivered int // handlers that returned normally
	Failed    int // handlers that panicked
	Canceled  bool
	Start     time.Time
	Duration  time.Duration
}

// Observer receives bus-level observability events. Observers are called
// without any bus lock held and must not block.
type Observer interface {
	ObserveSubscribe(observation SubscribeObservation)
	ObserveUnsubscribe(observation UnsubscribeObservation)
	ObserveEmit(observation EmitObservation)
	ObserveFailure(bus string, err *HandlerError)
}

type noopObserver struct{}

func (noopObserver) ObserveSubscribe(SubscribeObservation)     {}
func (noopObserver) ObserveUnsubscribe(UnsubscribeObservation) {}
func (noopObserver) ObserveEmit(EmitObservation)               {}
func (noopObserver) ObserveFailure(string, *HandlerError)      {}

// MultiObserver combines multiple observers into one. Nil entries are skipped.
func MultiObserver(observers ...Observer) Observer {
	list := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return noopObserver{}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) ObserveSubscribe(o SubscribeObservation) {
	for _, obs := range m {
		obs.ObserveSubscribe(o)
	}
}

func (m multiObserver) ObserveUnsubscribe(o UnsubscribeObservation) {
	for _, obs := range m {
		obs.ObserveUnsubscribe(o)
	}
}

func (m multiObserver) ObserveEmit(o EmitObservation) {
	for _, obs := range m {
		obs.ObserveEmit(o)
	}
}

func (m multiObserver) ObserveFailure(bus string, err *HandlerError) {
	for _, obs := range m {
		obs.ObserveFailure(bus, err)
	}
}
