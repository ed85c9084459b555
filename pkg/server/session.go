package server

import (
	"sync"

	"github.com/docukit/syncd/pkg/transport"
	"github.com/google/uuid"
)

// session is the per-connection state of spec.md §4.9: identity plus
// the set of rooms this socket currently belongs to. socketID is
// server-minted and never client-supplied — it is also the presence
// key the server substitutes for whatever sender key a client patch
// arrives with (spec.md §4.8 step 3).
type session struct {
	conn     transport.Conn
	sendMu   sync.Mutex
	socketID string
	userID   string
	deviceID string
	context  any

	mu     sync.Mutex
	docIDs map[string]bool
}

func newSession(conn transport.Conn, identity *transport.Identity) *session {
	return &session{
		conn:     conn,
		socketID: uuid.NewString(),
		userID:   identity.UserID,
		deviceID: identity.DeviceID,
		context:  identity.Context,
		docIDs:   make(map[string]bool),
	}
}

// send serializes writes onto this socket; transport.Conn's own Send
// is safe for concurrent use on the websocket path, but the in-memory
// test transport is not guaranteed to be, so the session owns the
// lock rather than trusting the implementation.
func (s *session) send(env func() error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return env()
}

func (s *session) joined(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docIDs[docID]
}

func (s *session) markJoined(docID string) {
	s.mu.Lock()
	s.docIDs[docID] = true
	s.mu.Unlock()
}

func (s *session) markLeft(docID string) {
	s.mu.Lock()
	delete(s.docIDs, docID)
	s.mu.Unlock()
}

func (s *session) joinedDocIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docIDs))
	for id := range s.docIDs {
		out = append(out, id)
	}
	return out
}
