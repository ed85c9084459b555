package client

import (
	"sync"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/syncerr"
	"github.com/docukit/syncd/pkg/transport"
	"github.com/docukit/syncd/pkg/wire"
	"github.com/google/uuid"
)

// requestConn correlates request/response envelopes over a single
// transport.Conn (spec.md §4.3) and dispatches server-initiated
// events (dirty, presence) to the owning Client. One background
// goroutine owns Recv; Send is safe for concurrent callers.
type requestConn struct {
	conn transport.Conn

	mu      sync.Mutex
	pending map[string]chan wire.Envelope
	closed  bool

	onDirty    func(docID string)
	onPresence func(docID string, patch docbinding.Operation)
}

func newRequestConn(conn transport.Conn, onDirty func(string), onPresence func(string, docbinding.Operation)) *requestConn {
	rc := &requestConn{
		conn:       conn,
		pending:    make(map[string]chan wire.Envelope),
		onDirty:    onDirty,
		onPresence: onPresence,
	}
	go rc.readLoop()
	return rc
}

func (rc *requestConn) readLoop() {
	for {
		env, err := rc.conn.Recv()
		if err != nil {
			rc.failAllPending(syncerr.Network("connection closed", err))
			return
		}

		switch env.Type {
		case wire.TypeDirty:
			var ev wire.DirtyEvent
			if decErr := wire.Decode(env, &ev); decErr == nil && rc.onDirty != nil {
				rc.onDirty(ev.DocID)
			}
		case wire.TypePresenceEvent:
			var ev wire.PresenceEvent
			if decErr := wire.Decode(env, &ev); decErr == nil && rc.onPresence != nil {
				rc.onPresence(ev.DocID, ev.PresencePatch)
			}
		default:
			rc.deliver(env)
		}
	}
}

func (rc *requestConn) deliver(env wire.Envelope) {
	rc.mu.Lock()
	ch, ok := rc.pending[env.ID]
	if ok {
		delete(rc.pending, env.ID)
	}
	rc.mu.Unlock()

	if ok {
		ch <- env
	}
}

func (rc *requestConn) failAllPending(err error) {
	rc.mu.Lock()
	pending := rc.pending
	rc.pending = make(map[string]chan wire.Envelope)
	rc.closed = true
	rc.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = err
}

// request sends payload as typ and waits up to timeout for the
// correlated response, decoding it into out.
func (rc *requestConn) request(typ wire.MessageType, payload any, timeout time.Duration, out any) error {
	id := uuid.NewString()

	env, err := wire.Encode(id, typ, payload)
	if err != nil {
		return syncerr.Validation("encode request", err)
	}

	ch := make(chan wire.Envelope, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return syncerr.Network("connection closed", nil)
	}
	rc.pending[id] = ch
	rc.mu.Unlock()

	if err := rc.conn.Send(env); err != nil {
		rc.mu.Lock()
		delete(rc.pending, id)
		rc.mu.Unlock()
		return syncerr.Network("send request", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return syncerr.Network("connection closed while waiting for response", nil)
		}
		if out != nil {
			if err := wire.Decode(resp, out); err != nil {
				return syncerr.Validation("decode response", err)
			}
		}
		return nil
	case <-time.After(timeout):
		rc.mu.Lock()
		delete(rc.pending, id)
		rc.mu.Unlock()
		return syncerr.Network("request timed out", nil)
	}
}

// Sync issues a sync request and returns the decoded response.
func (rc *requestConn) Sync(req wire.SyncRequest, timeout time.Duration) (wire.SyncResponse, error) {
	var resp wire.SyncResponse
	err := rc.request(wire.TypeSync, req, timeout, &resp)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	if resp.Error != nil {
		return wire.SyncResponse{}, resp.Error.ToSyncErr()
	}
	return resp, nil
}

// Presence issues a standalone presence patch.
func (rc *requestConn) Presence(req wire.PresenceRequest, timeout time.Duration) error {
	return rc.request(wire.TypePresence, req, timeout, nil)
}

// DeleteDoc asks the server to delete a document's state.
func (rc *requestConn) DeleteDoc(req wire.DeleteDocRequest, timeout time.Duration) error {
	return rc.request(wire.TypeDeleteDoc, req, timeout, nil)
}

// UnsubscribeDoc leaves the document's room, best-effort: callers
// should not surface its error as a user-facing failure.
func (rc *requestConn) UnsubscribeDoc(req wire.UnsubscribeDocRequest, timeout time.Duration) error {
	return rc.request(wire.TypeUnsubscribeDoc, req, timeout, nil)
}

// Close closes the underlying transport connection.
func (rc *requestConn) Close(reason string) error {
	return rc.conn.Close(reason)
}
