package events

import (
	"sync"
	"testing"
)

func TestBusDeliversToAllObservers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(ObserverFunc(func(ev NamespaceStatus) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}))
	}

	bus.PublishNamespaceStatus(NamespaceStatus{Namespace: "demo", State: NamespaceStateReady})
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus()
	var got NamespaceStatus
	bus.Subscribe(ObserverFunc(func(ev NamespaceStatus) { got = ev }))
	bus.PublishNamespaceStatus(NamespaceStatus{Namespace: "demo", State: NamespaceStateReady})
	if got.Timestamp.IsZero() {
		t.Fatal("publish must stamp a timestamp")
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *Bus
	// Must not panic; components emit unconditionally.
	bus.PublishNamespaceStatus(NamespaceStatus{Namespace: "demo"})
}
