package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/docukit/syncd/pkg/docbinding"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketOperations = []byte("operations")
)

// ClientTx is the client-side half of the transactional contract:
// spec.md §4.1's operation table, minus server clock assignment.
// Batches are stored as-submitted; SaveOperations never assigns a
// clock, and DeleteOperations removes exactly the oldest count
// batches, matching the client's "count" semantics.
type ClientTx interface {
	GetSerializedDoc(docID string) (snapshot docbinding.Snapshot, clock int64, ok bool, err error)
	GetOperations(docID string) ([]OperationBatch, error)
	SaveOperations(docID string, ops []docbinding.Operation) error
	DeleteOperations(docID string, count int) error
	SaveSerializedDoc(docID string, snapshot docbinding.Snapshot, clock int64) error
}

// ClientProvider is the client-side storage provider factory: one
// instance per authenticated userId, backed by an embedded KV store
// shared across that user's tabs (spec.md §4.1 isolation note).
type ClientProvider interface {
	Transaction(mode Mode, body func(ClientTx) error) error
	Close() error
}

// BoltClientStore implements ClientProvider on top of bbolt, using a
// db.Update/db.View closure idiom.
type BoltClientStore struct {
	db *bolt.DB
}

// NewBoltClientStore opens (creating if absent) the embedded database
// for one user under dataDir.
func NewBoltClientStore(dataDir, userID string) (*BoltClientStore, error) {
	dbPath := filepath.Join(dataDir, userID+".db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open client database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketOperations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltClientStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltClientStore) Close() error {
	return s.db.Close()
}

// Transaction runs body inside one bbolt transaction of the requested
// mode.
func (s *BoltClientStore) Transaction(mode Mode, body func(ClientTx) error) error {
	fn := func(tx *bolt.Tx) error {
		return body(&boltClientTx{tx: tx})
	}
	if mode == ReadWrite {
		return s.db.Update(fn)
	}
	return s.db.View(fn)
}

type boltClientTx struct {
	tx *bolt.Tx
}

type documentRecord struct {
	Snapshot docbinding.Snapshot `json:"snapshot"`
	Clock    int64               `json:"clock"`
}

func (t *boltClientTx) GetSerializedDoc(docID string) (docbinding.Snapshot, int64, bool, error) {
	b := t.tx.Bucket(bucketDocuments)
	data := b.Get([]byte(docID))
	if data == nil {
		return nil, 0, false, nil
	}

	var rec documentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, false, fmt.Errorf("decode serialized doc %s: %w", docID, err)
	}
	return rec.Snapshot, rec.Clock, true, nil
}

func (t *boltClientTx) SaveSerializedDoc(docID string, snapshot docbinding.Snapshot, clock int64) error {
	b := t.tx.Bucket(bucketDocuments)
	data, err := json.Marshal(documentRecord{Snapshot: snapshot, Clock: clock})
	if err != nil {
		return err
	}
	return b.Put([]byte(docID), data)
}

func (t *boltClientTx) docOpsBucket(docID string, create bool) (*bolt.Bucket, error) {
	root := t.tx.Bucket(bucketOperations)
	if create {
		return root.CreateBucketIfNotExists([]byte(docID))
	}
	return root.Bucket([]byte(docID)), nil
}

func (t *boltClientTx) GetOperations(docID string) ([]OperationBatch, error) {
	sub, err := t.docOpsBucket(docID, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}

	var batches []OperationBatch
	c := sub.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var batch OperationBatch
		if err := json.Unmarshal(v, &batch); err != nil {
			return nil, fmt.Errorf("decode operation batch %s: %w", docID, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (t *boltClientTx) SaveOperations(docID string, ops []docbinding.Operation) error {
	sub, err := t.docOpsBucket(docID, true)
	if err != nil {
		return err
	}

	seq, err := sub.NextSequence()
	if err != nil {
		return err
	}

	data, err := json.Marshal(OperationBatch{Operations: ops})
	if err != nil {
		return err
	}
	return sub.Put(sequenceKey(seq), data)
}

func (t *boltClientTx) DeleteOperations(docID string, count int) error {
	sub, err := t.docOpsBucket(docID, false)
	if err != nil {
		return err
	}
	if sub == nil || count <= 0 {
		return nil
	}

	c := sub.Cursor()
	keys := make([][]byte, 0, count)
	for k, _ := c.First(); k != nil && len(keys) < count; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := sub.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
