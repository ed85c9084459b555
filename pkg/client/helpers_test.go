package client

import (
	"testing"
	"time"

	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/docukit/syncd/pkg/events"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/stretchr/testify/require"
)

// testHarness wires one Client[*jsonmap.Doc] to a fakeServer over an
// in-memory pipe and a bbolt store under t.TempDir().
type testHarness struct {
	t      *testing.T
	client *Client[*jsonmap.Doc]
	server *fakeServer
	store  *storage.BoltClientStore
}

func newHarness(t *testing.T, userID, deviceID string) *testHarness {
	t.Helper()

	store, err := storage.NewBoltClientStore(t.TempDir(), userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clientEnd, serverEnd := newPipePair()
	srv := newFakeServer(serverEnd)

	c := New[*jsonmap.Doc](Config{
		UserID:   userID,
		DeviceID: deviceID,
		Storage:  store,
		Conn:     clientEnd,
	}, jsonmap.New())
	t.Cleanup(func() { _ = c.Close("test teardown") })

	return &testHarness{t: t, client: c, server: srv, store: store}
}

// newTestStoreForBroadcast opens a single bbolt-backed store meant to be
// shared by two or more Client instances that simulate same-device tabs.
func newTestStoreForBroadcast(t *testing.T) (*storage.BoltClientStore, error) {
	t.Helper()
	store, err := storage.NewBoltClientStore(t.TempDir(), "user-1")
	if err == nil {
		t.Cleanup(func() { _ = store.Close() })
	}
	return store, err
}

// subscribeSync drives Subscribe synchronously, returning the last
// terminal LoadEvent (success or error) and failing the test on
// timeout.
func subscribeSync(t *testing.T, c *Client[*jsonmap.Doc], args SubscribeArgs) (LoadEvent[*jsonmap.Doc], func()) {
	t.Helper()

	evCh := make(chan LoadEvent[*jsonmap.Doc], 8)
	unsub := c.Subscribe(args, func(ev LoadEvent[*jsonmap.Doc]) { evCh <- ev })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-evCh:
			if ev.Kind != LoadLoading {
				return ev, unsub
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal load event")
		}
	}
}

// drainChangeEvents collects Change events published to a broker for a
// short window, used to assert on Origin without a hard race on timing.
func drainChangeEvents(sub events.Subscriber[events.ClientEvent], window time.Duration) []events.ClientEvent {
	var out []events.ClientEvent
	deadline := time.After(window)
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}
