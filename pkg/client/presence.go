package client

import (
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/wire"
)

// PresenceUpdate is delivered to a document's presence subscribers
// whenever the merged presence map changes (spec.md §4.7).
type PresenceUpdate struct {
	DocID    string
	Presence map[string]any
}

// SetPresence debounces value at 50ms per docId (spec.md §4.5) and,
// once the debounce fires, sends it as a standalone presence request.
// It is never persisted to local storage.
func (c *Client[Doc]) SetPresence(docID string, value docbinding.Operation) {
	c.mu.Lock()
	entry, ok := c.cache[docID]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.presencePending = value
	entry.presenceHasPending = true
	if entry.presenceTimer == nil {
		entry.presenceTimer = time.AfterFunc(debounceWindow, func() { c.flushPresence(entry) })
	} else {
		entry.presenceTimer.Reset(debounceWindow)
	}
	entry.mu.Unlock()
}

func (c *Client[Doc]) flushPresence(entry *cacheEntry[Doc]) {
	entry.mu.Lock()
	if !entry.presenceHasPending {
		entry.mu.Unlock()
		return
	}
	val := entry.presencePending
	entry.presenceHasPending = false
	entry.presenceTimer = nil
	entry.mu.Unlock()

	if err := c.conn.Presence(wire.PresenceRequest{DocID: entry.docID, Presence: val}, requestTimeout); err != nil {
		c.logger().Warn().Err(err).Str("docId", entry.docID).Msg("presence request failed")
	}

	c.bus.publish(c.busSelf, busMessage{docID: entry.docID, presence: val, hasPresence: true})
}

// SubscribePresence registers a channel that receives the merged
// presence map for docId every time it changes. The returned
// unsubscribe must be called to release the channel.
func (c *Client[Doc]) SubscribePresence(docID string) (<-chan PresenceUpdate, func()) {
	ch := make(chan PresenceUpdate, 16)

	c.mu.Lock()
	entry, ok := c.cache[docID]
	c.mu.Unlock()
	if !ok {
		close(ch)
		return ch, func() {}
	}

	entry.mu.Lock()
	entry.presenceSubs[ch] = struct{}{}
	entry.mu.Unlock()

	return ch, func() {
		entry.mu.Lock()
		if _, ok := entry.presenceSubs[ch]; ok {
			delete(entry.presenceSubs, ch)
			close(ch)
		}
		entry.mu.Unlock()
	}
}

// mergePresence folds patch into entry's presence map with tombstone
// semantics (spec.md I6, §4.7): a null/absent value deletes the key.
// The server is responsible for never echoing a recipient's own
// socketId back to it, so no sender-identity filtering happens here.
func (c *Client[Doc]) mergePresence(entry *cacheEntry[Doc], patch docbinding.Operation) {
	m, ok := patch.(map[string]any)
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.presence == nil {
		entry.presence = make(map[string]any)
	}
	for k, v := range m {
		if v == nil {
			delete(entry.presence, k)
		} else {
			entry.presence[k] = v
		}
	}
	snapshot := make(map[string]any, len(entry.presence))
	for k, v := range entry.presence {
		snapshot[k] = v
	}
	subs := make([]chan PresenceUpdate, 0, len(entry.presenceSubs))
	for ch := range entry.presenceSubs {
		subs = append(subs, ch)
	}
	entry.mu.Unlock()

	update := PresenceUpdate{DocID: entry.docID, Presence: snapshot}
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// onPresenceEvent handles a server-initiated presence event (spec.md
// §4.3, §4.7).
func (c *Client[Doc]) onPresenceEvent(docID string, patch docbinding.Operation) {
	c.mu.Lock()
	entry, ok := c.cache[docID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mergePresence(entry, patch)
}
