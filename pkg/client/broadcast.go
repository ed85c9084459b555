package client

import (
	"sync"

	"github.com/docukit/syncd/pkg/docbinding"
)

// busMessage is what crosses the inter-tab fabric (spec.md §4.6): a
// same-origin same-user broadcast channel named "docsync:{userId}" in
// the source design. A BroadcastChannel is scoped to one browser
// profile, i.e. one device, so the registry below keys on
// (userId, deviceId): multiple Client instances sharing both behave
// like browser tabs sharing a BroadcastChannel, while two devices for
// the same user stay on separate buses and only learn of each other's
// writes through the server's dirty fan-out.
//
// A message with len(operations) > 0 is an OPERATIONS message
// (operations applied, presence optionally attached); a message with
// no operations but hasPresence set is a standalone PRESENCE message.
type busMessage struct {
	docID       string
	operations  []docbinding.Operation
	presence    docbinding.Operation
	hasPresence bool
}

type busListener func(busMessage)

type busListenerHandle struct {
	fn busListener
}

// tabBus fans busMessages out to every Client subscribed for one
// (userId, deviceId) pair, excluding the publishing handle itself.
type tabBus struct {
	mu        sync.RWMutex
	listeners map[*busListenerHandle]struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*tabBus{}
)

// joinBus returns the shared bus for (userID, deviceID), creating it
// on first use.
func joinBus(userID, deviceID string) *tabBus {
	key := userID + "\x00" + deviceID

	registryMu.Lock()
	defer registryMu.Unlock()

	b, ok := registry[key]
	if !ok {
		b = &tabBus{listeners: make(map[*busListenerHandle]struct{})}
		registry[key] = b
	}
	return b
}

// subscribe registers fn and returns a handle used both to unsubscribe
// and to identify (and skip) the publisher's own listener in publish.
func (b *tabBus) subscribe(fn busListener) *busListenerHandle {
	h := &busListenerHandle{fn: fn}
	b.mu.Lock()
	b.listeners[h] = struct{}{}
	b.mu.Unlock()
	return h
}

func (b *tabBus) unsubscribe(h *busListenerHandle) {
	b.mu.Lock()
	delete(b.listeners, h)
	b.mu.Unlock()
}

// publish fans msg out to every listener except from, the handle of
// the Client that produced it — a tab never re-delivers its own
// writes to itself.
func (b *tabBus) publish(from *busListenerHandle, msg busMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for h := range b.listeners {
		if h == from {
			continue
		}
		h.fn(msg)
	}
}
