package client

import (
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/events"
	"github.com/docukit/syncd/pkg/metrics"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/wire"
)

// applyGuarded applies ops to entry.doc with the reentrancy guard of
// spec.md §5 set, so that a correct Binding's OnChange sink does not
// fire for engine-driven application.
func (c *Client[Doc]) applyGuarded(entry *cacheEntry[Doc], ops []docbinding.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	entry.mu.Lock()
	entry.reentrant = true
	doc := entry.doc
	entry.mu.Unlock()

	err := c.binding.ApplyOperations(doc, ops)

	entry.mu.Lock()
	entry.reentrant = false
	entry.mu.Unlock()

	return err
}

// onLocalChange is the Binding's OnChange sink: it fires only for
// application-driven mutations (the reentrancy guard rules out engine-
// driven ones). It queues ops for throttled persistence.
func (c *Client[Doc]) onLocalChange(entry *cacheEntry[Doc], ops []docbinding.Operation) {
	entry.mu.Lock()
	if entry.reentrant {
		entry.mu.Unlock()
		c.logger().Warn().Str("docId", entry.docID).Msg("docbinding invoked change sink during engine-driven apply")
		return
	}
	entry.mu.Unlock()

	c.emit(events.ClientEvent{Kind: events.Change, Timestamp: time.Now(), DocID: entry.docID, Origin: events.OriginLocal})
	c.enqueueOps(entry, ops)
}

// enqueueOps implements the 50ms coalescing window of spec.md §4.5:
// the first queued mutation schedules one timer; all mutations queued
// before it fires are persisted together.
func (c *Client[Doc]) enqueueOps(entry *cacheEntry[Doc], ops []docbinding.Operation) {
	entry.mu.Lock()
	entry.pendingOps = append(entry.pendingOps, ops...)
	needTimer := entry.throttleTimer == nil
	if needTimer {
		entry.throttleTimer = time.AfterFunc(throttleWindow, func() { c.flushThrottle(entry) })
	}
	entry.mu.Unlock()
}

func (c *Client[Doc]) flushThrottle(entry *cacheEntry[Doc]) {
	entry.mu.Lock()
	ops := entry.pendingOps
	entry.pendingOps = nil
	entry.throttleTimer = nil
	entry.mu.Unlock()

	if len(ops) == 0 {
		return
	}

	err := c.store.Transaction(storage.ReadWrite, func(tx storage.ClientTx) error {
		return tx.SaveOperations(entry.docID, ops)
	})
	if err != nil {
		c.logger().Error().Err(err).Str("docId", entry.docID).Msg("persist local operations failed")
		return
	}

	c.bus.publish(c.busSelf, busMessage{docID: entry.docID, operations: ops})
	c.kickPush(entry)
}

// kickPush implements the state transitions of spec.md §4.5: idle
// starts a push; pushing collapses into pushing-with-pending;
// pushing-with-pending is a no-op (saveRemote is idempotent).
func (c *Client[Doc]) kickPush(entry *cacheEntry[Doc]) {
	entry.pushMu.Lock()
	switch entry.state {
	case stateIdle:
		entry.state = statePushing
		entry.pushMu.Unlock()
		go c.runPush(entry)
	case statePushing:
		entry.state = statePushingWithPending
		entry.pushMu.Unlock()
	default:
		entry.pushMu.Unlock()
	}
}

// retryBackoff bounds how fast runPush re-enters doPush after a
// network or server failure, so a persistently unreachable server
// doesn't spin the push goroutine at full CPU.
const retryBackoff = 200 * time.Millisecond

func (c *Client[Doc]) runPush(entry *cacheEntry[Doc]) {
	for {
		retry := c.doPush(entry)
		if retry {
			time.Sleep(retryBackoff)
			continue
		}

		entry.pushMu.Lock()
		if entry.state == statePushingWithPending {
			entry.state = statePushing
			entry.pushMu.Unlock()
			continue
		}
		entry.state = stateIdle
		entry.pushMu.Unlock()
		return
	}
}

// doPush runs one push body (spec.md §4.5 steps 1-5) and reports
// whether the caller should re-enter push after retryBackoff (a
// network or server error retries per spec.md §7's
// NetworkError/DatabaseError handling, rather than waiting for the
// next kick).
func (c *Client[Doc]) doPush(entry *cacheEntry[Doc]) bool {
	metrics.InFlightPushes.Inc()
	defer metrics.InFlightPushes.Dec()
	timer := metrics.NewTimer()

	var batches []storage.OperationBatch
	var storedClock int64
	readErr := c.store.Transaction(storage.ReadOnly, func(tx storage.ClientTx) error {
		b, err := tx.GetOperations(entry.docID)
		if err != nil {
			return err
		}
		batches = b

		_, clock, ok, err := tx.GetSerializedDoc(entry.docID)
		if err != nil {
			return err
		}
		if ok {
			storedClock = clock
		}
		return nil
	})
	if readErr != nil {
		c.logger().Error().Err(readErr).Str("docId", entry.docID).Msg("read phase failed, retrying")
		return true
	}

	ops := flattenBatches(batches)
	req := wire.SyncRequest{DocID: entry.docID, DocType: entry.docType, Operations: ops, Clock: storedClock}

	resp, sendErr := c.conn.Sync(req, requestTimeout)
	timer.ObserveDuration(metrics.SyncRequestDuration)

	if sendErr != nil {
		metrics.SyncRequestsTotal.WithLabelValues("error").Inc()
		c.emit(events.ClientEvent{
			Kind: events.Sync, Timestamp: time.Now(),
			SyncReq: req, SyncErr: sendErr, SyncDuration: timer.Duration(),
		})
		return true
	}
	metrics.SyncRequestsTotal.WithLabelValues("success").Inc()
	c.emit(events.ClientEvent{
		Kind: events.Sync, Timestamp: time.Now(),
		SyncReq: req, SyncResp: resp, SyncDuration: timer.Duration(),
	})

	consolidated, consolidateErr := c.consolidate(entry, batches, ops, resp)
	if consolidateErr != nil {
		c.logger().Error().Err(consolidateErr).Str("docId", entry.docID).Msg("consolidate failed, retrying")
		return true
	}

	if consolidated {
		if err := c.applyGuarded(entry, resp.Operations); err != nil {
			c.logger().Error().Err(err).Str("docId", entry.docID).Msg("apply missed server operations failed")
		}
		c.emit(events.ClientEvent{Kind: events.Change, Timestamp: time.Now(), DocID: entry.docID, Origin: events.OriginRemote})
		for _, op := range resp.Operations {
			c.bus.publish(c.busSelf, busMessage{docID: entry.docID, operations: []docbinding.Operation{op}})
		}
	}

	return false
}

// consolidate implements spec.md §4.5 step 3: delete exactly what was
// sent, then fold missed server operations and the just-sent client
// operations into a fresh snapshot at the server's new clock, unless
// a concurrent writer already consolidated past this point.
func (c *Client[Doc]) consolidate(entry *cacheEntry[Doc], sentBatches []storage.OperationBatch, sentOps []docbinding.Operation, resp wire.SyncResponse) (bool, error) {
	consolidated := false

	err := c.store.Transaction(storage.ReadWrite, func(tx storage.ClientTx) error {
		if err := tx.DeleteOperations(entry.docID, len(sentBatches)); err != nil {
			return err
		}

		snapshot, clock, ok, err := tx.GetSerializedDoc(entry.docID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if clock >= resp.Clock {
			return nil
		}

		doc, err := c.binding.Deserialize(entry.docType, snapshot)
		if err != nil {
			return err
		}
		if err := c.binding.ApplyOperations(doc, resp.Operations); err != nil {
			return err
		}
		if err := c.binding.ApplyOperations(doc, sentOps); err != nil {
			return err
		}

		_, clock2, ok2, err := tx.GetSerializedDoc(entry.docID)
		if err != nil {
			return err
		}
		if ok2 && clock2 != clock {
			return nil
		}

		newSnapshot, err := c.binding.Serialize(doc)
		if err != nil {
			return err
		}
		if err := tx.SaveSerializedDoc(entry.docID, newSnapshot, resp.Clock); err != nil {
			return err
		}
		consolidated = true
		return nil
	})
	return consolidated, err
}

func flattenBatches(batches []storage.OperationBatch) []docbinding.Operation {
	var ops []docbinding.Operation
	for _, b := range batches {
		ops = append(ops, b.Operations...)
	}
	return ops
}

// onDirty handles a server-initiated dirty hint (spec.md §4.3): the
// only correct response is re-entering the push state machine with
// whatever (possibly empty) outgoing ops are locally pending.
func (c *Client[Doc]) onDirty(docID string) {
	c.mu.Lock()
	entry, ok := c.cache[docID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.kickPush(entry)
}

// onBusMessage handles an inter-tab fabric message (spec.md §4.6).
func (c *Client[Doc]) onBusMessage(msg busMessage) {
	c.mu.Lock()
	entry, ok := c.cache[msg.docID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if len(msg.operations) > 0 {
		if err := c.applyGuarded(entry, msg.operations); err != nil {
			c.logger().Error().Err(err).Str("docId", entry.docID).Msg("apply broadcast operations failed")
		}
		c.emit(events.ClientEvent{Kind: events.Change, Timestamp: time.Now(), DocID: entry.docID, Origin: events.OriginBroadcast})

		entry.pushMu.Lock()
		if entry.state == statePushing {
			entry.state = statePushingWithPending
		}
		entry.pushMu.Unlock()
	}

	if msg.hasPresence {
		c.mergePresence(entry, msg.presence)
	}
}
