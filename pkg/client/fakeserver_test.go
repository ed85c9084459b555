package client

import (
	"sync"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/wire"
)

// fakeServer is a minimal single-doc sequencer standing in for the
// server side of the duplex channel: it assigns an increasing clock to
// every sync request's operations and reports back whatever it holds
// past the caller's clock, exactly the Result shape pkg/client expects.
type fakeServer struct {
	conn *pipeConn

	mu    sync.Mutex
	docs  map[string]*fakeDocState
	drop  bool // when true, sync requests are answered with an error
}

type fakeDocState struct {
	clock int64
	ops   []docbinding.Operation
}

func newFakeServer(conn *pipeConn) *fakeServer {
	s := &fakeServer{conn: conn, docs: make(map[string]*fakeDocState)}
	go s.run()
	return s
}

func (s *fakeServer) run() {
	for {
		env, err := s.conn.Recv()
		if err != nil {
			return
		}
		switch env.Type {
		case wire.TypeSync:
			s.handleSync(env)
		default:
			_ = s.conn.Send(wire.Envelope{ID: env.ID, Type: env.Type, Payload: []byte("{}")})
		}
	}
}

func (s *fakeServer) handleSync(env wire.Envelope) {
	var req wire.SyncRequest
	if err := wire.Decode(env, &req); err != nil {
		return
	}

	s.mu.Lock()
	if s.drop {
		s.mu.Unlock()
		resp := wire.SyncResponse{Error: &wire.ErrorPayload{Type: "DatabaseError", Message: "forced failure"}}
		out, _ := wire.Encode(env.ID, wire.TypeSync, resp)
		_ = s.conn.Send(out)
		return
	}

	state, ok := s.docs[req.DocID]
	if !ok {
		state = &fakeDocState{}
		s.docs[req.DocID] = state
	}

	var missed []docbinding.Operation
	// A real sequencer tracks per-operation clocks; this fake treats the
	// whole stored log as "missed" whenever the caller's clock is behind,
	// which is all pkg/client's consolidate logic requires for its tests.
	if req.Clock < state.clock {
		missed = append(missed, state.ops...)
	}

	if len(req.Operations) > 0 {
		state.clock++
		state.ops = append(state.ops, req.Operations...)
	}
	newClock := state.clock
	s.mu.Unlock()

	resp := wire.SyncResponse{DocID: req.DocID, Operations: missed, Clock: newClock}
	out, err := wire.Encode(env.ID, wire.TypeSync, resp)
	if err != nil {
		return
	}
	_ = s.conn.Send(out)
}

// pushDirty sends a server-initiated dirty hint for docID.
func (s *fakeServer) pushDirty(docID string) {
	env, _ := wire.Encode("", wire.TypeDirty, wire.DirtyEvent{DocID: docID})
	_ = s.conn.Send(env)
}

// pushPresence sends a server-initiated presence patch for docID.
func (s *fakeServer) pushPresence(docID string, patch docbinding.Operation) {
	env, _ := wire.Encode("", wire.TypePresenceEvent, wire.PresenceEvent{DocID: docID, PresencePatch: patch})
	_ = s.conn.Send(env)
}

func (s *fakeServer) setDrop(drop bool) {
	s.mu.Lock()
	s.drop = drop
	s.mu.Unlock()
}
