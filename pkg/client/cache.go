package client

import (
	"errors"
	"sync"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/events"
	"github.com/docukit/syncd/pkg/metrics"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/syncerr"
	"github.com/docukit/syncd/pkg/wire"
)

// pushState is the three-state machine of spec.md §4.5.
type pushState int

const (
	stateIdle pushState = iota
	statePushing
	statePushingWithPending
)

// LoadEventKind tags a LoadEvent.
type LoadEventKind string

const (
	LoadLoading LoadEventKind = "loading"
	LoadSuccess LoadEventKind = "success"
	LoadError   LoadEventKind = "error"
)

// LoadEvent is what Subscribe's sink receives (spec.md §4.4). A
// LoadSuccess with the zero Doc value and Found=false means the
// requested id does not exist and createIfMissing was not set.
type LoadEvent[Doc any] struct {
	Kind  LoadEventKind
	Doc   Doc
	DocID string
	Found bool
	Err   error
}

// Sink receives LoadEvents for one Subscribe call.
type Sink[Doc any] func(LoadEvent[Doc])

// SubscribeArgs selects how Subscribe resolves a document (spec.md
// §4.4): by existing id, by auto-generated id (CreateIfMissing with
// no ID), or load-or-create (both set).
type SubscribeArgs struct {
	Type            string
	ID              string
	CreateIfMissing bool
}

var errDocAbsent = errors.New("document not found")

// cacheEntry is one docId's resident state: the document itself, its
// ref-count, presence, and the push state machine of spec.md §4.5.
type cacheEntry[Doc any] struct {
	docID   string
	docType string

	mu      sync.Mutex
	doc     Doc
	loaded  bool
	waiters []func(error, bool)

	refCount int
	loading  bool
	loadErr  error
	found    bool

	presence     map[string]any
	presenceSubs map[chan PresenceUpdate]struct{}

	reentrant bool

	pendingOps    []docbinding.Operation
	throttleTimer *time.Timer

	presencePending     docbinding.Operation
	presenceHasPending  bool
	presenceTimer       *time.Timer

	pushMu sync.Mutex
	state  pushState
}

func newCacheEntry[Doc any](docID, docType string) *cacheEntry[Doc] {
	return &cacheEntry[Doc]{
		docID:        docID,
		docType:      docType,
		presenceSubs: make(map[chan PresenceUpdate]struct{}),
	}
}

// Subscribe resolves docId per args and delivers LoadEvents to sink
// until the returned unsubscribe is called. See spec.md §4.4.
func (c *Client[Doc]) Subscribe(args SubscribeArgs, sink Sink[Doc]) func() {
	if args.ID == "" && args.CreateIfMissing {
		return c.subscribeCreateNew(args, sink)
	}
	if args.ID == "" {
		sink(LoadEvent[Doc]{Kind: LoadError, Err: syncerr.Validation("subscribe requires id or createIfMissing", nil)})
		return func() {}
	}
	return c.subscribeExisting(args, sink)
}

// subscribeCreateNew handles the fully synchronous create-without-id
// path: DocBinding.Create is pure, so no "loading" emission precedes
// the synchronous success.
func (c *Client[Doc]) subscribeCreateNew(args SubscribeArgs, sink Sink[Doc]) func() {
	docID := c.idGen.Next()

	doc, err := c.binding.Create(args.Type, docID)
	if err != nil {
		sink(LoadEvent[Doc]{Kind: LoadError, Err: err})
		return func() {}
	}

	entry := newCacheEntry[Doc](docID, args.Type)
	entry.refCount = 1
	entry.doc = doc
	entry.loaded = true
	entry.found = true
	c.binding.OnChange(doc, func(ops []docbinding.Operation) { c.onLocalChange(entry, ops) })

	c.mu.Lock()
	c.cache[docID] = entry
	c.mu.Unlock()

	metrics.CacheEntriesTotal.Inc()
	sink(LoadEvent[Doc]{Kind: LoadSuccess, Doc: doc, DocID: docID, Found: true})
	c.emit(events.ClientEvent{Kind: events.DocLoad, Timestamp: time.Now(), DocID: docID, LoadSource: events.SourceCreated})

	return c.unsubscribeFunc(docID)
}

func (c *Client[Doc]) subscribeExisting(args SubscribeArgs, sink Sink[Doc]) func() {
	docID := args.ID

	c.mu.Lock()
	entry, exists := c.cache[docID]
	if exists {
		entry.refCount++
		c.mu.Unlock()

		entry.mu.Lock()
		resolved := !entry.loading
		doc, found, loadErr := entry.doc, entry.found, entry.loadErr
		if !resolved {
			entry.waiters = append(entry.waiters, func(err error, found bool) {
				deliver(sink, entry, err, found)
			})
		}
		entry.mu.Unlock()

		if resolved {
			if loadErr != nil {
				sink(LoadEvent[Doc]{Kind: LoadError, Err: loadErr})
			} else {
				sink(LoadEvent[Doc]{Kind: LoadSuccess, Doc: doc, DocID: docID, Found: found})
			}
		} else {
			sink(LoadEvent[Doc]{Kind: LoadLoading, DocID: docID})
		}

		return c.unsubscribeFunc(docID)
	}

	entry = newCacheEntry[Doc](docID, args.Type)
	entry.refCount = 1
	entry.loading = true
	entry.waiters = append(entry.waiters, func(err error, found bool) {
		deliver(sink, entry, err, found)
	})
	c.cache[docID] = entry
	c.mu.Unlock()

	sink(LoadEvent[Doc]{Kind: LoadLoading, DocID: docID})
	go c.resolveLoad(entry, args)

	return c.unsubscribeFunc(docID)
}

func deliver[Doc any](sink Sink[Doc], entry *cacheEntry[Doc], err error, found bool) {
	if err != nil {
		sink(LoadEvent[Doc]{Kind: LoadError, Err: err})
		return
	}
	sink(LoadEvent[Doc]{Kind: LoadSuccess, Doc: entry.doc, DocID: entry.docID, Found: found})
}

// resolveLoad runs the local-storage read (and optional create) for a
// brand-new cache entry, off the Subscribe caller's goroutine.
func (c *Client[Doc]) resolveLoad(entry *cacheEntry[Doc], args SubscribeArgs) {
	var doc Doc
	var source events.DocLoadSource
	var found bool

	err := c.store.Transaction(storage.ReadOnly, func(tx storage.ClientTx) error {
		snapshot, _, ok, err := tx.GetSerializedDoc(entry.docID)
		if err != nil {
			return err
		}
		if !ok {
			if !args.CreateIfMissing {
				return errDocAbsent
			}
			doc, err = c.binding.Create(args.Type, entry.docID)
			source = events.SourceCreated
			found = true
			return err
		}

		doc, err = c.binding.Deserialize(args.Type, snapshot)
		if err != nil {
			return err
		}
		batches, err := tx.GetOperations(entry.docID)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if err := c.binding.ApplyOperations(doc, b.Operations); err != nil {
				return err
			}
		}
		source = events.SourceLocal
		found = true
		return nil
	})

	var zero Doc
	if errors.Is(err, errDocAbsent) {
		c.finishLoad(entry, zero, false, nil)
		return
	}
	if err != nil {
		c.finishLoad(entry, zero, false, err)
		return
	}

	c.binding.OnChange(doc, func(ops []docbinding.Operation) { c.onLocalChange(entry, ops) })
	c.finishLoad(entry, doc, found, nil)
	c.emit(events.ClientEvent{Kind: events.DocLoad, Timestamp: time.Now(), DocID: entry.docID, LoadSource: source})
}

func (c *Client[Doc]) finishLoad(entry *cacheEntry[Doc], doc Doc, found bool, err error) {
	entry.mu.Lock()
	entry.loading = false
	entry.doc = doc
	entry.loaded = err == nil && found
	entry.found = found
	entry.loadErr = err
	waiters := entry.waiters
	entry.waiters = nil
	refCount := entry.refCount
	entry.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.cache, entry.docID)
		c.mu.Unlock()
	} else if found {
		metrics.CacheEntriesTotal.Inc()
	}

	for _, w := range waiters {
		w(err, found)
	}

	if err == nil && refCount <= 0 {
		c.maybeEvict(entry)
	}
}

func (c *Client[Doc]) unsubscribeFunc(docID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			entry, ok := c.cache[docID]
			c.mu.Unlock()
			if !ok {
				return
			}

			entry.mu.Lock()
			entry.refCount--
			rc := entry.refCount
			loading := entry.loading
			entry.mu.Unlock()

			if rc <= 0 && !loading {
				c.maybeEvict(entry)
			}
		})
	}
}

// maybeEvict drops entry from the cache once its ref-count has
// reached zero and any pending load has resolved (spec.md invariant
// 4 / I4).
func (c *Client[Doc]) maybeEvict(entry *cacheEntry[Doc]) {
	entry.mu.Lock()
	if entry.refCount > 0 || entry.loading {
		entry.mu.Unlock()
		return
	}
	loaded := entry.loaded
	doc := entry.doc
	entry.mu.Unlock()

	c.mu.Lock()
	if cur, ok := c.cache[entry.docID]; !ok || cur != entry {
		c.mu.Unlock()
		return
	}
	delete(c.cache, entry.docID)
	c.mu.Unlock()

	if loaded {
		if err := c.binding.Dispose(doc); err != nil {
			c.logger().Warn().Err(err).Str("docId", entry.docID).Msg("dispose failed")
		}
		metrics.CacheEntriesTotal.Dec()
	}

	go func() {
		if err := c.conn.UnsubscribeDoc(wire.UnsubscribeDocRequest{DocID: entry.docID}, requestTimeout); err != nil {
			c.logger().Debug().Err(err).Str("docId", entry.docID).Msg("unsubscribe-doc failed (best-effort)")
		}
	}()

	c.emit(events.ClientEvent{Kind: events.DocUnload, Timestamp: time.Now(), DocID: entry.docID, RefCount: 0})
}
