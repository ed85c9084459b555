// Package client implements the document cache and per-document push/
// pull state machine a local-first application links against: a
// reference-counted table of live documents (spec.md §4.4), a
// throttled-persist and serialized-push state machine per docId
// (spec.md §4.5), inter-tab fan-out for same-user same-process
// instances (spec.md §4.6), and debounced presence propagation
// (spec.md §4.7). Document semantics are entirely delegated to a
// docbinding.Binding; this package never interprets a document,
// snapshot, or operation payload.
package client

import (
	"sync"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/docid"
	"github.com/docukit/syncd/pkg/events"
	"github.com/docukit/syncd/pkg/log"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/transport"
	"github.com/rs/zerolog"
)

const (
	throttleWindow = 50 * time.Millisecond
	debounceWindow = 50 * time.Millisecond
	requestTimeout = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	UserID   string
	DeviceID string
	Storage  storage.ClientProvider
	Conn     transport.Conn
	Events   *events.ClientBroker // optional; a broker is created if nil
}

// Client is one process's view of a user's documents. Two Clients
// constructed with the same UserID and DeviceID and a storage.ClientProvider
// backed by the same embedded database simulate two browser tabs:
// they share the inter-tab broadcast fabric (pkg/client's tabBus
// registry) and the same on-disk operation log.
type Client[Doc any] struct {
	userID   string
	deviceID string

	binding docbinding.Binding[Doc]
	store   storage.ClientProvider
	idGen   *docid.Generator
	events  *events.ClientBroker
	bus     *tabBus
	busSelf *busListenerHandle

	conn *requestConn

	mu    sync.Mutex
	cache map[string]*cacheEntry[Doc]

	closed bool
}

// New constructs a Client bound to binding. The returned Client owns
// cfg.Conn: it starts a background read loop immediately and the loop
// runs until Close.
func New[Doc any](cfg Config, binding docbinding.Binding[Doc]) *Client[Doc] {
	c := &Client[Doc]{
		userID:   cfg.UserID,
		deviceID: cfg.DeviceID,
		binding:  binding,
		store:    cfg.Storage,
		idGen:    docid.New(),
		events:   cfg.Events,
		cache:    make(map[string]*cacheEntry[Doc]),
	}
	if c.events == nil {
		c.events = events.NewClientBroker()
	}
	c.events.Start()

	c.bus = joinBus(cfg.UserID, cfg.DeviceID)
	c.busSelf = c.bus.subscribe(c.onBusMessage)

	c.conn = newRequestConn(cfg.Conn, c.onDirty, c.onPresenceEvent)

	c.emit(events.ClientEvent{Kind: events.Connect, Timestamp: time.Now()})
	return c
}

// Events returns the broker applications subscribe to for lifecycle
// events (spec.md §4.10).
func (c *Client[Doc]) Events() *events.ClientBroker {
	return c.events
}

// Close tears down the connection, the inter-tab subscription, and
// disposes every cached document. It does not wait for in-flight
// pushes; callers that need a clean drain should unsubscribe every
// document first.
func (c *Client[Doc]) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := make([]*cacheEntry[Doc], 0, len(c.cache))
	for _, e := range c.cache {
		entries = append(entries, e)
	}
	c.cache = make(map[string]*cacheEntry[Doc])
	c.mu.Unlock()

	c.bus.unsubscribe(c.busSelf)
	for _, e := range entries {
		e.mu.Lock()
		loaded, doc := e.loaded, e.doc
		e.mu.Unlock()
		if loaded {
			_ = c.binding.Dispose(doc)
		}
	}

	c.emit(events.ClientEvent{Kind: events.Disconnect, Timestamp: time.Now(), Reason: reason})
	c.events.Stop()
	return c.conn.Close(reason)
}

func (c *Client[Doc]) emit(ev events.ClientEvent) {
	c.events.Publish(ev)
}

func (c *Client[Doc]) logger() zerolog.Logger {
	return log.WithUserID(c.userID).With().Str("deviceId", c.deviceID).Logger()
}
