package client

import (
	"testing"
	"time"

	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBroadcastFabricAppliesOpsAcrossSameDeviceClients exercises the
// inter-tab fabric (spec.md §4.6): two Client instances sharing a
// userId/deviceId pair and the same embedded store stand in for two
// tabs in the same browser profile. A local write in one must apply
// to the other's cached document without a round trip through the
// server.
func TestBroadcastFabricAppliesOpsAcrossSameDeviceClients(t *testing.T) {
	store, err := newTestStoreForBroadcast(t)
	require.NoError(t, err)

	clientConnA, serverEndA := newPipePair()
	newFakeServer(serverEndA)
	a := New[*jsonmap.Doc](Config{UserID: "user-1", DeviceID: "device-1", Storage: store, Conn: clientConnA}, jsonmap.New())
	t.Cleanup(func() { _ = a.Close("test teardown") })

	clientConnB, serverEndB := newPipePair()
	newFakeServer(serverEndB)
	b := New[*jsonmap.Doc](Config{UserID: "user-1", DeviceID: "device-1", Storage: store, Conn: clientConnB}, jsonmap.New())
	t.Cleanup(func() { _ = b.Close("test teardown") })

	evA, unsubA := subscribeSync(t, a, SubscribeArgs{Type: "note", ID: "doc-1", CreateIfMissing: true})
	defer unsubA()
	evB, unsubB := subscribeSync(t, b, SubscribeArgs{Type: "note", ID: "doc-1", CreateIfMissing: true})
	defer unsubB()

	require.NoError(t, evA.Doc.Set("title", "from-a"))

	require.Eventually(t, func() bool {
		v, ok := evB.Doc.Get("title")
		if !ok {
			return false
		}
		return string(v) == `"from-a"`
	}, 2*time.Second, 10*time.Millisecond, "b must observe a's write via the broadcast fabric")
}

// TestBroadcastFabricDoesNotCrossDevices guards against the broadcast
// registry being keyed on userId alone: two different deviceIds for the
// same user must not see each other's local writes over the fabric
// (they only converge through the server's dirty fan-out).
func TestBroadcastFabricDoesNotCrossDevices(t *testing.T) {
	store, err := newTestStoreForBroadcast(t)
	require.NoError(t, err)

	clientConnA, serverEndA := newPipePair()
	newFakeServer(serverEndA)
	a := New[*jsonmap.Doc](Config{UserID: "user-1", DeviceID: "device-1", Storage: store, Conn: clientConnA}, jsonmap.New())
	t.Cleanup(func() { _ = a.Close("test teardown") })

	clientConnB, serverEndB := newPipePair()
	newFakeServer(serverEndB)
	b := New[*jsonmap.Doc](Config{UserID: "user-1", DeviceID: "device-2", Storage: store, Conn: clientConnB}, jsonmap.New())
	t.Cleanup(func() { _ = b.Close("test teardown") })

	evA, unsubA := subscribeSync(t, a, SubscribeArgs{Type: "note", ID: "doc-2", CreateIfMissing: true})
	defer unsubA()
	evB, unsubB := subscribeSync(t, b, SubscribeArgs{Type: "note", ID: "doc-2", CreateIfMissing: true})
	defer unsubB()

	require.NoError(t, evA.Doc.Set("title", "from-a"))

	time.Sleep(150 * time.Millisecond)
	_, ok := evB.Doc.Get("title")
	assert.False(t, ok, "a different device must not receive the write over the broadcast fabric")
}
