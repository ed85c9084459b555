// Package docbinding defines the capability set spec.md §4.2 requires
// of a DocBinding: the sync engine's only window onto document
// semantics. The engine never inspects a Document, Snapshot, or
// Operation; it only stores and transports them opaquely.
package docbinding

// Operation is an opaque, JSON-serializable delta produced by a
// Binding and consumed, in the order the server returns it, by every
// other replica's Binding of the same type.
type Operation = any

// Snapshot is an opaque, JSON-serializable serialized document.
type Snapshot = any

// ChangeSink receives the operations a Binding's own mutation API
// produced. It must not fire as a result of Binding.ApplyOperations
// calls the engine itself makes — see the reentrancy guard in
// pkg/client.
type ChangeSink func(operations []Operation)

// Binding is the capability set of spec.md §4.2. Implementations are
// supplied by the application; the engine is generic over them.
//
//	create(type, id?) → { doc, docId }          // pure; no I/O
//	serialize(doc) → snapshot
//	deserialize(snapshot) → doc
//	applyOperations(doc, opPayload) → ()        // must not emit a change event
//	onChange(doc, sink) → ()                    // sink receives { operations }
//	dispose(doc) → ()
type Binding[Doc any] interface {
	// Create makes a brand-new document of the given type. If id is
	// non-empty it is used as-is; otherwise the caller (pkg/client)
	// has already minted one via pkg/docid. Create performs no I/O.
	Create(docType string, id string) (doc Doc, err error)

	// Serialize produces a Snapshot such that
	// Deserialize(Serialize(d)) is behaviorally indistinguishable
	// from d (spec.md R1).
	Serialize(doc Doc) (Snapshot, error)

	// Deserialize reconstructs a document from a Snapshot previously
	// produced by Serialize.
	Deserialize(docType string, snapshot Snapshot) (Doc, error)

	// ApplyOperations folds opPayload into doc in place. It must not
	// invoke the ChangeSink registered via OnChange — the engine
	// enforces this with a reentrancy guard, but a correct Binding
	// does not emit on engine-driven application regardless.
	ApplyOperations(doc Doc, operations []Operation) error

	// OnChange registers the sink that fires when the application
	// (not the engine) mutates doc through the Binding's own API.
	// A Binding supports exactly one active sink per document.
	OnChange(doc Doc, sink ChangeSink)

	// Dispose releases any resources held by doc. Called exactly
	// once, when the document's ref-count reaches zero.
	Dispose(doc Doc) error
}
