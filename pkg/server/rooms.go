package server

import (
	"sync"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/metrics"
	"github.com/docukit/syncd/pkg/wire"
)

// room is spec.md §4.9's "doc:{docId}" room: the set of sockets
// subscribed to one document, plus the in-memory presence map that
// lives only as long as at least one socket is joined.
type room struct {
	mu       sync.Mutex
	docID    string
	members  map[string]*session // socketID -> session
	presence map[string]any      // socketID -> opaque presence value
}

func newRoom(docID string) *room {
	return &room{
		docID:    docID,
		members:  make(map[string]*session),
		presence: make(map[string]any),
	}
}

func (r *room) join(sess *session) {
	r.mu.Lock()
	r.members[sess.socketID] = sess
	count := len(r.members)
	r.mu.Unlock()
	metrics.RoomMembersTotal.WithLabelValues(r.docID).Set(float64(count))
}

// leave removes sess and reports whether the room is now empty.
func (r *room) leave(socketID string) bool {
	r.mu.Lock()
	delete(r.members, socketID)
	delete(r.presence, socketID)
	empty := len(r.members) == 0
	count := len(r.members)
	r.mu.Unlock()
	metrics.RoomMembersTotal.WithLabelValues(r.docID).Set(float64(count))
	return empty
}

// snapshot returns the full current presence map, sent to a socket on
// first join (spec.md §4.7: "current presence state ... sent
// immediately on first sync").
func (r *room) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.presence))
	for k, v := range r.presence {
		out[k] = v
	}
	return out
}

// mergePatch folds patch's entries into the room's presence map,
// treating a nil value as a tombstone delete (spec.md §4.7), and
// returns the siblings patch must be broadcast to (every other member).
func (r *room) mergePatch(senderSocketID string, patch map[string]any) []*session {
	r.mu.Lock()
	for k, v := range patch {
		if v == nil {
			delete(r.presence, k)
		} else {
			r.presence[k] = v
		}
	}
	siblings := make([]*session, 0, len(r.members))
	for id, sess := range r.members {
		if id == senderSocketID {
			continue
		}
		siblings = append(siblings, sess)
	}
	r.mu.Unlock()
	return siblings
}

// membersExcept returns every room member other than excludeSocketID
// and, when excludeDeviceID is non-empty, other than any member
// sharing that device (spec.md §4.8 step 5: dirty fan-out skips the
// originating device, which already has the change).
func (r *room) membersExcept(excludeSocketID, excludeDeviceID string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.members))
	for id, sess := range r.members {
		if id == excludeSocketID {
			continue
		}
		if excludeDeviceID != "" && sess.deviceID == excludeDeviceID {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// counts reports the number of distinct sockets and distinct devices
// currently joined, for the syncRequest operator event (spec.md §4.10).
func (r *room) counts() (clients int, devices int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(r.members))
	for _, sess := range r.members {
		seen[sess.deviceID] = true
	}
	return len(r.members), len(seen)
}

func (s *Server[Doc]) getOrCreateRoom(docID string) *room {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[docID]
	if !ok {
		r = newRoom(docID)
		s.rooms[docID] = r
	}
	return r
}

func (s *Server[Doc]) dropRoomIfEmpty(docID string) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if r, ok := s.rooms[docID]; ok {
		r.mu.Lock()
		empty := len(r.members) == 0
		r.mu.Unlock()
		if empty {
			delete(s.rooms, docID)
		}
	}
}

// joinRoom adds sess to docID's room and, if this is the socket's
// first join on this doc, pushes the room's current presence snapshot
// as a single PresenceEvent (spec.md §4.7).
func (s *Server[Doc]) joinRoom(sess *session, docID string) {
	if sess.joined(docID) {
		return
	}
	r := s.getOrCreateRoom(docID)
	r.join(sess)
	sess.markJoined(docID)

	snap := r.snapshot()
	if len(snap) == 0 {
		return
	}
	s.sendPresenceEvent(sess, docID, snap)
}

func (s *Server[Doc]) leaveRoom(sess *session, docID string) {
	if !sess.joined(docID) {
		return
	}
	s.roomsMu.Lock()
	r, ok := s.rooms[docID]
	s.roomsMu.Unlock()
	sess.markLeft(docID)
	if !ok {
		return
	}
	r.leave(sess.socketID)
	s.dropRoomIfEmpty(docID)
}

func (s *Server[Doc]) leaveAllRooms(sess *session) {
	for _, docID := range sess.joinedDocIDs() {
		s.leaveRoom(sess, docID)
	}
}

// broadcastPresence merges patch into docID's room as given and fans
// it out to every member other than senderSocketID. It does not
// re-key the patch itself: applyPresencePatch has already keyed it
// under the sender's own socket id, never the client-supplied key
// (spec.md §4.8 step 3 / invariant I6).
func (s *Server[Doc]) broadcastPresence(docID, senderSocketID string, patch map[string]any) {
	r := s.getOrCreateRoom(docID)
	siblings := r.mergePatch(senderSocketID, patch)
	for _, sib := range siblings {
		s.sendPresenceEvent(sib, docID, patch)
	}
}

func (s *Server[Doc]) sendPresenceEvent(sess *session, docID string, patch docbinding.Operation) {
	env, err := wire.Encode("", wire.TypePresenceEvent, wire.PresenceEvent{DocID: docID, PresencePatch: patch})
	if err != nil {
		return
	}
	_ = sess.send(func() error { return sess.conn.Send(env) })
}

// broadcastDirty tells every other member of docID's room (excluding
// the originating device) that new server operations are available.
func (s *Server[Doc]) broadcastDirty(docID string, originSocketID, originDeviceID string) {
	r := s.getOrCreateRoom(docID)
	for _, sib := range r.membersExcept(originSocketID, originDeviceID) {
		env, err := wire.Encode("", wire.TypeDirty, wire.DirtyEvent{DocID: docID})
		if err != nil {
			continue
		}
		if sib.send(func() error { return sib.conn.Send(env) }) == nil {
			metrics.DirtyEventsTotal.Inc()
		}
	}
}
