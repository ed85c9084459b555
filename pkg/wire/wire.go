// Package wire defines the message shapes of spec.md §4.3 and §6.1
// that cross the duplex channel (pkg/transport): client request/
// response pairs, server-initiated events, and connection lifecycle
// reasons. All payloads are JSON-encodable; docId is a 26-char
// lowercase identifier (pkg/docid); clock is a number the server
// alone assigns.
package wire

import (
	"encoding/json"

	"github.com/docukit/syncd/pkg/docbinding"
)

// MessageType tags every envelope that crosses the channel.
type MessageType string

const (
	TypeSync           MessageType = "sync"
	TypePresence       MessageType = "presence"
	TypeDeleteDoc      MessageType = "delete-doc"
	TypeUnsubscribeDoc MessageType = "unsubscribe-doc"
	TypeDirty          MessageType = "dirty"
	TypePresenceEvent  MessageType = "presence-event"
)

// Envelope is the outermost frame on the wire. Requests carry a
// correlation ID so responses can be matched to the call that issued
// them; server-initiated events leave ID empty.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SyncRequest is the body of a "sync" request (spec.md §4.3). DocType
// is not part of spec.md's wire shape; it rides along so the server
// can squash a backlog into a fresh snapshot (spec.md §4.8 step 6).
// Clients send it on every request; the server remembers the last
// non-empty DocType it saw per docId in memory and squashes only a
// docId whose type it has seen.
type SyncRequest struct {
	DocID      string                 `json:"docId"`
	DocType    string                 `json:"docType,omitempty"`
	Operations []docbinding.Operation `json:"operations,omitempty"`
	Clock      int64                  `json:"clock"`
	Presence   docbinding.Operation   `json:"presence,omitempty"`
}

// SyncResponse is the Result-shaped reply to a "sync" request.
// Success and Error are mutually exclusive; a populated Error means
// the request failed server-side.
type SyncResponse struct {
	DocID         string                 `json:"docId,omitempty"`
	Operations    []docbinding.Operation `json:"operations,omitempty"`
	SerializedDoc docbinding.Snapshot    `json:"serializedDoc,omitempty"`
	Clock         int64                  `json:"clock,omitempty"`
	Error         *ErrorPayload          `json:"error,omitempty"`
}

// ErrorPayload is the wire shape of a taxonomy error: only the three
// kinds a sync response can carry (spec.md §4.3).
type ErrorPayload struct {
	Type    string `json:"type"` // AuthorizationError | DatabaseError | ValidationError
	Message string `json:"message"`
}

// PresenceRequest carries a standalone presence patch outside a sync
// call. The client's SetPresence always sends presence this way,
// whether or not a push is in flight.
type PresenceRequest struct {
	DocID    string               `json:"docId"`
	Presence docbinding.Operation `json:"presence"`
}

// DeleteDocRequest asks the server to delete a document's server-side
// state entirely.
type DeleteDocRequest struct {
	DocID string `json:"docId"`
}

// UnsubscribeDocRequest leaves the document's room; sent best-effort
// when a client's ref-count for docId reaches zero.
type UnsubscribeDocRequest struct {
	DocID string `json:"docId"`
}

// DirtyEvent is the server-initiated hint of spec.md §4.3: "there are
// server operations on docId you may not have yet."
type DirtyEvent struct {
	DocID string `json:"docId"`
}

// PresenceEvent is the server-initiated presence patch fan-out.
type PresenceEvent struct {
	DocID         string               `json:"docId"`
	PresencePatch docbinding.Operation `json:"presencePatch"`
}
