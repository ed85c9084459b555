// Package server implements the authoritative half of the sync
// protocol: the per-connection session of spec.md §4.9, the sync
// request handler of spec.md §4.8 (authorization, room join, presence
// merge, the read-modify-append transaction, dirty fan-out, and
// best-effort squash), and the operator-facing event stream of
// spec.md §4.10. It is generic over the same DocBinding a client
// links against, needed only for squash, where a fresh snapshot must
// be rebuilt from a backlog of opaque operations.
package server

import (
	"sync"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/events"
	"github.com/docukit/syncd/pkg/log"
	"github.com/docukit/syncd/pkg/seqlog"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/transport"
	"github.com/rs/zerolog"
)

// AuthzRequest is what an AuthorizeFunc evaluates (spec.md §6.4's
// authorize?({type, payload, userId, context})).
type AuthzRequest struct {
	Type    string
	Payload any
	UserID  string
	Context any
}

// AuthorizeFunc decides whether a request is permitted. A nil
// AuthorizeFunc on Config means allow-all, spec.md §4.8 step 1's
// default.
type AuthorizeFunc func(AuthzRequest) bool

// Config configures a Server.
type Config struct {
	Storage storage.ServerProvider

	// Sequencer, if set, routes clock-assigning appends through Raft
	// for HA (pkg/seqlog). If nil, the server assigns clocks directly
	// against Storage — the correct mode for a single-node deployment.
	Sequencer *seqlog.Sequencer

	Authorize AuthorizeFunc

	// SquashThreshold is spec.md §4.8 step 6's backlog-size trigger.
	// Zero disables squashing.
	SquashThreshold int

	Events *events.ServerBroker
}

// Server is the authoritative sync handler and session registry for
// one server process. Doc is the application's document type; the
// server only touches it during squash.
type Server[Doc any] struct {
	store     storage.ServerProvider
	sequencer *seqlog.Sequencer
	binding   docbinding.Binding[Doc]
	authorize AuthorizeFunc
	squashAt  int
	events    *events.ServerBroker

	roomsMu sync.Mutex
	rooms   map[string]*room

	typesMu  sync.Mutex
	docTypes map[string]string
}

// New constructs a Server bound to binding, used only for squash.
func New[Doc any](cfg Config, binding docbinding.Binding[Doc]) *Server[Doc] {
	s := &Server[Doc]{
		store:     cfg.Storage,
		sequencer: cfg.Sequencer,
		binding:   binding,
		authorize: cfg.Authorize,
		squashAt:  cfg.SquashThreshold,
		events:    cfg.Events,
		rooms:     make(map[string]*room),
		docTypes:  make(map[string]string),
	}
	if s.events == nil {
		s.events = events.NewServerBroker()
	}
	s.events.Start()
	return s
}

// Events returns the broker operators subscribe to (spec.md §4.10).
func (s *Server[Doc]) Events() *events.ServerBroker {
	return s.events
}

func (s *Server[Doc]) emit(ev events.ServerEvent) {
	s.events.Publish(ev)
}

func (s *Server[Doc]) logger() zerolog.Logger {
	return log.Logger
}

func (s *Server[Doc]) rememberDocType(docID, docType string) {
	if docType == "" {
		return
	}
	s.typesMu.Lock()
	s.docTypes[docID] = docType
	s.typesMu.Unlock()
}

func (s *Server[Doc]) docType(docID string) string {
	s.typesMu.Lock()
	defer s.typesMu.Unlock()
	return s.docTypes[docID]
}

// HandleConn runs one connection's lifetime: session bookkeeping,
// connect/disconnect events, and dispatch of every inbound envelope.
// It blocks until conn.Recv returns an error (spec.md §4.3's
// connection lifecycle).
func (s *Server[Doc]) HandleConn(conn transport.Conn, identity *transport.Identity) {
	sess := newSession(conn, identity)

	s.emit(events.ServerEvent{Kind: events.ClientConnect, Timestamp: time.Now(), UserID: sess.userID, DeviceID: sess.deviceID, SocketID: sess.socketID})

	defer func() {
		s.leaveAllRooms(sess)
		s.emit(events.ServerEvent{Kind: events.ClientDisconnect, Timestamp: time.Now(), UserID: sess.userID, DeviceID: sess.deviceID, SocketID: sess.socketID})
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		s.dispatch(sess, env)
	}
}

// Shutdown stops the event broker and closes the storage provider.
func (s *Server[Doc]) Shutdown() error {
	s.events.Stop()
	return s.store.Close()
}
