// Package storage defines the transactional persistence contract of
// spec.md §4.1 and §6.2, and its two concrete flavors: a client-side
// embedded key-value store (pkg/storage/client_bbolt.go, bbolt-backed)
// and a server-side relational store (pkg/storage/server_sqlite.go,
// sqlite-backed). Both expose the same shape —
//
//	transaction(mode, body) → error
//
// — where body runs inside one atomic unit that rolls back entirely
// on error, a db.Update/db.View closure idiom.
package storage

import "github.com/docukit/syncd/pkg/docbinding"

// Mode selects transaction isolation. ReadWrite transactions for the
// same docId are serialized by the underlying store. On the bbolt
// client store a ReadOnly transaction does not block a concurrent
// ReadWrite; the sqlite server store runs every transaction, of
// either mode, on its single connection, one at a time.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// OperationBatch is one row of the operation log: the ordered
// operations submitted together in a single sync request. Clock is
// the server-assigned clock for the batch (spec.md §3); it is zero on
// a client-held, not-yet-consolidated batch.
type OperationBatch struct {
	Clock      int64                  `json:"clock,omitempty"`
	Operations []docbinding.Operation `json:"operations"`
}

// ErrNotFound is a shared "not found" error value. No store in this
// package returns it: GetSerializedDoc reports an absent document with
// ok=false and a nil error, and GetOperations with an empty result.
var ErrNotFound = storageNotFound{}

type storageNotFound struct{}

func (storageNotFound) Error() string { return "storage: not found" }
