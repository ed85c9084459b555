package server

import (
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/events"
	"github.com/docukit/syncd/pkg/metrics"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/syncerr"
	"github.com/docukit/syncd/pkg/wire"
)

// authorized evaluates the configured AuthorizeFunc, defaulting to
// allow-all (spec.md §4.8 step 1).
func (s *Server[Doc]) authorized(sess *session, typ string, payload any) bool {
	if s.authorize == nil {
		return true
	}
	return s.authorize(AuthzRequest{Type: typ, Payload: payload, UserID: sess.userID, Context: sess.context})
}

// handleSync implements spec.md §4.8 end to end: authorization, room
// join with first-join presence push, presence merge, the read-
// modify-append transaction, the dirty fan-out, and a best-effort
// async squash once the returned backlog crosses the threshold.
func (s *Server[Doc]) handleSync(sess *session, req wire.SyncRequest) wire.SyncResponse {
	timer := metrics.NewTimer()
	resp, appendErr := s.syncOnce(sess, req)

	r := s.getOrCreateRoom(req.DocID)
	clients, devices := r.counts()

	var evErr error
	if resp.Error != nil {
		evErr = appendErr
	}
	s.emit(events.ServerEvent{
		Kind: events.SyncRequest, Timestamp: time.Now(),
		UserID: sess.userID, DeviceID: sess.deviceID, SocketID: sess.socketID,
		Req: req, Resp: resp, DurationMs: timer.Duration().Milliseconds(),
		DevicesCount: devices, ClientsCount: clients, Err: evErr,
	})
	return resp
}

func (s *Server[Doc]) syncOnce(sess *session, req wire.SyncRequest) (wire.SyncResponse, error) {
	if !s.authorized(sess, "sync", req) {
		err := syncerr.Authorization("sync not permitted", nil)
		return wire.SyncResponse{DocID: req.DocID, Error: wire.ErrorPayloadFromSyncErr(err)}, err
	}

	s.joinRoom(sess, req.DocID)
	s.rememberDocType(req.DocID, req.DocType)

	if req.Presence != nil {
		s.applyPresencePatch(sess, req.DocID, req.Presence)
	}

	var snapshot docbinding.Snapshot
	var snapClock int64
	var haveSnapshot bool
	var missing []docbinding.Operation
	var newClock int64

	if s.sequencer != nil {
		var lastClock int64
		readErr := s.store.Transaction(storage.ReadOnly, func(tx storage.ServerTx) error {
			var err error
			snapshot, snapClock, haveSnapshot, missing, lastClock, err = readBacklog(tx, req.DocID, req.Clock)
			return err
		})
		if readErr != nil {
			err := syncerr.Database("read backlog", readErr)
			return wire.SyncResponse{DocID: req.DocID, Error: wire.ErrorPayloadFromSyncErr(err)}, err
		}
		newClock = lastClock

		if len(req.Operations) > 0 {
			c, err := s.sequencer.AppendOperations(req.DocID, req.Operations)
			if err != nil {
				wrapped := syncerr.Database("append operations", err)
				return wire.SyncResponse{DocID: req.DocID, Error: wire.ErrorPayloadFromSyncErr(wrapped)}, wrapped
			}
			newClock = c
			metrics.OperationsAppendedTotal.Inc()
		}
	} else {
		txErr := s.store.Transaction(storage.ReadWrite, func(tx storage.ServerTx) error {
			var lastClock int64
			var err error
			snapshot, snapClock, haveSnapshot, missing, lastClock, err = readBacklog(tx, req.DocID, req.Clock)
			if err != nil {
				return err
			}
			newClock = lastClock

			if len(req.Operations) > 0 {
				c, err := tx.SaveOperations(req.DocID, req.Operations)
				if err != nil {
					return err
				}
				newClock = c
				metrics.OperationsAppendedTotal.Inc()
			}
			return nil
		})
		if txErr != nil {
			err := syncerr.Database("append operations", txErr)
			return wire.SyncResponse{DocID: req.DocID, Error: wire.ErrorPayloadFromSyncErr(err)}, err
		}
	}

	resp := wire.SyncResponse{DocID: req.DocID, Operations: missing, Clock: newClock}
	if haveSnapshot && req.Clock < snapClock {
		resp.SerializedDoc = snapshot
	}

	if len(req.Operations) > 0 {
		s.broadcastDirty(req.DocID, sess.socketID, sess.deviceID)
	}

	if s.squashAt > 0 && len(missing) >= s.squashAt {
		go s.trySquash(req.DocID)
	}

	return resp, nil
}

// readBacklog reads the current snapshot and every operation batch
// strictly newer than sinceClock, and reports the highest clock known
// for docID (snapshot clock, last batch clock, or sinceClock, whichever
// is greatest).
func readBacklog(tx storage.ServerTx, docID string, sinceClock int64) (snapshot docbinding.Snapshot, snapClock int64, haveSnapshot bool, missing []docbinding.Operation, lastClock int64, err error) {
	snapshot, snapClock, haveSnapshot, err = tx.GetSerializedDoc(docID)
	if err != nil {
		return
	}
	lastClock = sinceClock
	if haveSnapshot && snapClock > lastClock {
		lastClock = snapClock
	}

	batches, err := tx.GetOperations(docID, sinceClock)
	if err != nil {
		return
	}
	for _, b := range batches {
		missing = append(missing, b.Operations...)
		if b.Clock > lastClock {
			lastClock = b.Clock
		}
	}
	return
}

// selfPatchValue extracts the single entry of a client-supplied
// presence patch, ignoring whatever key the client used — the caller
// always re-keys it under the connection's own socket id (spec.md §4.8
// step 3 / invariant I6).
func selfPatchValue(raw docbinding.Operation) (any, bool) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for _, v := range m {
		return v, true
	}
	return nil, false
}

func (s *Server[Doc]) applyPresencePatch(sess *session, docID string, raw docbinding.Operation) {
	val, ok := selfPatchValue(raw)
	if !ok {
		return
	}
	s.broadcastPresence(docID, sess.socketID, map[string]any{sess.socketID: val})
}

// handlePresence services a standalone presence request, which a
// client sends each time its debounced presence update fires.
func (s *Server[Doc]) handlePresence(sess *session, req wire.PresenceRequest) error {
	if !s.authorized(sess, "presence", req) {
		return syncerr.Authorization("presence not permitted", nil)
	}
	s.joinRoom(sess, req.DocID)
	s.applyPresencePatch(sess, req.DocID, req.Presence)
	return nil
}

// handleDeleteDoc removes a document's server-side state entirely.
func (s *Server[Doc]) handleDeleteDoc(sess *session, req wire.DeleteDocRequest) error {
	if !s.authorized(sess, "deleteDoc", req) {
		return syncerr.Authorization("delete not permitted", nil)
	}
	err := s.store.Transaction(storage.ReadWrite, func(tx storage.ServerTx) error {
		return tx.DeleteDocument(req.DocID)
	})
	if err != nil {
		return syncerr.Database("delete document", err)
	}
	s.typesMu.Lock()
	delete(s.docTypes, req.DocID)
	s.typesMu.Unlock()
	return nil
}

// handleUnsubscribeDoc releases this socket's room membership,
// best-effort (spec.md: sent when a client's ref-count for docId
// reaches zero).
func (s *Server[Doc]) handleUnsubscribeDoc(sess *session, req wire.UnsubscribeDocRequest) error {
	s.leaveRoom(sess, req.DocID)
	return nil
}

// trySquash folds docID's operation backlog into a fresh snapshot once
// it has grown past the configured threshold (spec.md §4.8 step 6),
// then drops exactly the folded operations. It re-verifies the
// threshold inside the transaction, since another sync may have
// squashed concurrently between the trigger and this goroutine running.
func (s *Server[Doc]) trySquash(docID string) {
	docType := s.docType(docID)
	if docType == "" {
		return
	}

	squashed := false
	err := s.store.Transaction(storage.ReadWrite, func(tx storage.ServerTx) error {
		snapshot, snapClock, haveSnapshot, err := tx.GetSerializedDoc(docID)
		if err != nil {
			return err
		}

		batches, err := tx.GetOperations(docID, snapClock)
		if err != nil {
			return err
		}
		if len(batches) < s.squashAt {
			return nil
		}

		var doc Doc
		if haveSnapshot {
			doc, err = s.binding.Deserialize(docType, snapshot)
		} else {
			doc, err = s.binding.Create(docType, docID)
		}
		if err != nil {
			return err
		}

		var ops []docbinding.Operation
		for _, b := range batches {
			ops = append(ops, b.Operations...)
		}
		if err := s.binding.ApplyOperations(doc, ops); err != nil {
			_ = s.binding.Dispose(doc)
			return err
		}

		newSnapshot, err := s.binding.Serialize(doc)
		if err != nil {
			_ = s.binding.Dispose(doc)
			return err
		}
		if err := s.binding.Dispose(doc); err != nil {
			return err
		}

		lastClock := batches[len(batches)-1].Clock
		if err := tx.SaveSerializedDoc(docID, newSnapshot, lastClock); err != nil {
			return err
		}
		if err := tx.DeleteOperations(docID, len(batches)); err != nil {
			return err
		}
		squashed = true
		return nil
	})

	if err != nil {
		s.logger().Error().Err(err).Str("docId", docID).Msg("squash failed")
		return
	}
	if squashed {
		metrics.SquashRunsTotal.Inc()
	}
}
