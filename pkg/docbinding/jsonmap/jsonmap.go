// Package jsonmap is a minimal DocBinding over a flat JSON map,
// last-writer-wins per key. It exists to exercise the sync engine's
// own tests against a real (if trivial) document semantics rather
// than a mock: every operation is a {path, value} pair applied in
// the order the server returns it, and two replicas that apply the
// same ordered operation sequence converge to the same map.
package jsonmap

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docukit/syncd/pkg/docbinding"
)

// Doc is a jsonmap document: a mutable flat string-keyed map guarded
// by its own mutex so concurrent Set calls and engine-driven
// ApplyOperations are safe together.
type Doc struct {
	mu     sync.Mutex
	id     string
	values map[string]json.RawMessage
	sink   func(ops []any)
}

// Op is the opaque operation payload this binding produces and
// consumes: set path to value, or delete path when Value is nil.
type Op struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Set mutates the document and notifies the registered change sink,
// if any, with the resulting Op. The engine never calls Set; it
// applies operations through ApplyOperations.
func (d *Doc) Set(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", path, err)
	}

	d.mu.Lock()
	d.values[path] = raw
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink([]any{Op{Path: path, Value: raw}})
	}
	return nil
}

// Delete removes path from the document.
func (d *Doc) Delete(path string) error {
	d.mu.Lock()
	delete(d.values, path)
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink([]any{Op{Path: path}})
	}
	return nil
}

// Get returns the raw value at path, if any.
func (d *Doc) Get(path string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[path]
	return v, ok
}

// Snapshot returns a defensive copy of the document's current values,
// suitable for equality comparisons in tests.
func (d *Doc) Snapshot() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]json.RawMessage, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Binding implements docbinding.Binding[*Doc].
type Binding struct{}

// New returns a jsonmap Binding.
func New() Binding { return Binding{} }

func (Binding) Create(docType string, id string) (*Doc, error) {
	return &Doc{id: id, values: make(map[string]json.RawMessage)}, nil
}

// Serialize produces the opaque snapshot: the raw values map,
// round-trippable through Deserialize (R1).
func (Binding) Serialize(doc *Doc) (any, error) {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.values, nil
}

func (Binding) Deserialize(docType string, snapshot any) (*Doc, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return &Doc{values: values}, nil
}

// ApplyOperations folds each Op into doc in the order given. Engine
// callers (pkg/client) hold the reentrancy guard, so Set/Delete's own
// sink notification below is skipped: ApplyOperations writes directly
// to the map instead of calling Set/Delete.
func (Binding) ApplyOperations(doc *Doc, operations []any) error {
	doc.mu.Lock()
	defer doc.mu.Unlock()

	for _, raw := range operations {
		op, err := decodeOp(raw)
		if err != nil {
			return err
		}
		if op.Value == nil {
			delete(doc.values, op.Path)
		} else {
			doc.values[op.Path] = op.Value
		}
	}
	return nil
}

func decodeOp(raw any) (Op, error) {
	if op, ok := raw.(Op); ok {
		return op, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Op{}, fmt.Errorf("marshal operation: %w", err)
	}
	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		return Op{}, fmt.Errorf("unmarshal operation: %w", err)
	}
	return op, nil
}

func (Binding) OnChange(doc *Doc, sink docbinding.ChangeSink) {
	doc.mu.Lock()
	doc.sink = sink
	doc.mu.Unlock()
}

func (Binding) Dispose(doc *Doc) error {
	doc.mu.Lock()
	doc.sink = nil
	doc.values = nil
	doc.mu.Unlock()
	return nil
}
