package events

import "time"

// ClientEventKind enumerates the six client-observable lifecycle
// events of spec.md §4.10.
type ClientEventKind string

const (
	Connect    ClientEventKind = "connect"
	Disconnect ClientEventKind = "disconnect"
	Change     ClientEventKind = "change"
	Sync       ClientEventKind = "sync"
	DocLoad    ClientEventKind = "docLoad"
	DocUnload  ClientEventKind = "docUnload"
)

// ChangeOrigin distinguishes why a document's in-memory content
// changed.
type ChangeOrigin string

const (
	OriginLocal     ChangeOrigin = "local"
	OriginBroadcast ChangeOrigin = "broadcast"
	OriginRemote    ChangeOrigin = "remote"
)

// DocLoadSource records how a subscribe resolved.
type DocLoadSource string

const (
	SourceCache   DocLoadSource = "cache"
	SourceLocal   DocLoadSource = "local"
	SourceCreated DocLoadSource = "created"
)

// ClientEvent is the tagged union of everything a client emits.
// Only the field group for Kind is populated; DocID is also set on
// DocLoad and DocUnload events.
type ClientEvent struct {
	Kind      ClientEventKind
	Timestamp time.Time

	// Disconnect
	Reason string

	// Change
	DocID  string
	Origin ChangeOrigin

	// Sync — wide event, full request/response context
	SyncReq      any
	SyncResp     any
	SyncErr      error
	SyncDuration time.Duration

	// DocLoad
	LoadSource DocLoadSource

	// DocUnload
	RefCount int
}

// NewBroker-shaped alias kept for readability at call sites.
type ClientBroker = Broker[ClientEvent]

// NewClientBroker constructs a broker for client events.
func NewClientBroker() *ClientBroker {
	return NewBroker[ClientEvent]()
}
