package server

import (
	"testing"
	"time"

	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/transport"
	"github.com/docukit/syncd/pkg/wire"
	"github.com/stretchr/testify/require"
)

// newTestServer builds a Server over a fresh in-memory sqlite store, no
// sequencer (direct clock assignment) and the given squash threshold.
func newTestServer(t *testing.T, squashAt int) *Server[*jsonmap.Doc] {
	t.Helper()
	store, err := storage.NewSQLiteServerStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New[*jsonmap.Doc](Config{Storage: store, SquashThreshold: squashAt}, jsonmap.New())
}

// dial spins up HandleConn on one end of an in-memory pipe and hands
// the test the client-facing end.
func dial(t *testing.T, s *Server[*jsonmap.Doc], userID, deviceID string) *pipeConn {
	t.Helper()
	clientSide, serverSide := newPipePair()
	go s.HandleConn(serverSide, &transport.Identity{UserID: userID, DeviceID: deviceID})
	t.Cleanup(func() { clientSide.Close("test done") })
	return clientSide
}

func sendRequest(t *testing.T, conn *pipeConn, id string, typ wire.MessageType, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.Encode(id, typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))
	reply, err := recvWithTimeout(conn, 2*time.Second)
	require.NoError(t, err)
	return reply
}

func doSync(t *testing.T, conn *pipeConn, id string, req wire.SyncRequest) wire.SyncResponse {
	t.Helper()
	reply := sendRequest(t, conn, id, wire.TypeSync, req)
	var resp wire.SyncResponse
	require.NoError(t, wire.Decode(reply, &resp))
	return resp
}

// recvWithTimeout reads one envelope, failing instead of hanging
// forever if the peer never sends one (e.g. a dirty event that never
// fires because of a logic regression).
func recvWithTimeout(conn *pipeConn, timeout time.Duration) (wire.Envelope, error) {
	type result struct {
		env wire.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.Recv()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-time.After(timeout):
		return wire.Envelope{}, errClosedPipe
	}
}

func tryRecv(conn *pipeConn, timeout time.Duration) (wire.Envelope, bool) {
	select {
	case env := <-conn.in:
		return env, true
	case <-time.After(timeout):
		return wire.Envelope{}, false
	}
}
