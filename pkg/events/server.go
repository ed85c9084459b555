package events

import "time"

// ServerEventKind enumerates the three operator-facing server events
// of spec.md §4.10.
type ServerEventKind string

const (
	ClientConnect    ServerEventKind = "clientConnect"
	ClientDisconnect ServerEventKind = "clientDisconnect"
	SyncRequest      ServerEventKind = "syncRequest"
)

// ServerEvent is the tagged union of everything the server emits for
// operators. SyncRequest is deliberately wide: it carries enough
// context to reconstruct a request's full lifecycle from logs alone.
type ServerEvent struct {
	Kind      ServerEventKind
	Timestamp time.Time

	UserID   string
	DeviceID string
	SocketID string

	// ClientDisconnect
	Reason string

	// SyncRequest
	Req           any
	Resp          any
	DurationMs    int64
	DevicesCount  int
	ClientsCount  int
	Err           error
}

// ServerBroker is a broker specialized to ServerEvent.
type ServerBroker = Broker[ServerEvent]

// NewServerBroker constructs a broker for server events.
func NewServerBroker() *ServerBroker {
	return NewBroker[ServerEvent]()
}
