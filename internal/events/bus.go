// Package events carries the in-process event bus consumed by dashboards and
// other observers outside the execution core. The bus is owned by the caller
// and passed down the call chain; there is no process-wide singleton.
package events

import (
	"sync"
	"time"
)

// NamespaceState describes the lifecycle position of a namespace as seen by
// the reconciler.
type NamespaceState string

const (
	NamespaceStateReady   NamespaceState = "ready"
	NamespaceStateMissing NamespaceState = "missing"
)

// NamespaceStatus is emitted exactly once per reconcile call so observers can
// track readiness without polling the cluster.
type NamespaceStatus struct {
	Namespace string
	State     NamespaceState
	Plugin    string
	Timestamp time.Time
}

// Observer receives published events. Implementations must not block for
// long; publishing happens inline on the reconciling goroutine.
type Observer interface {
	ObserveNamespaceStatus(NamespaceStatus)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(NamespaceStatus)

func (f ObserverFunc) ObserveNamespaceStatus(ev NamespaceStatus) { f(ev) }

// Bus fans events out to registered observers. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer for all subsequently published events.
func (b *Bus) Subscribe(obs Observer) {
	if b == nil || obs == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, obs)
	b.mu.Unlock()
}

// PublishNamespaceStatus delivers the event to every observer in subscription
// order. A nil bus drops events, so components can emit unconditionally.
func (b *Bus) PublishNamespaceStatus(ev NamespaceStatus) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.RUnlock()
	for _, obs := range observers {
		obs.ObserveNamespaceStatus(ev)
	}
}
