// Package docid generates the docId of spec.md §3: a lexicographically
// sortable, 26-character lowercase identifier, never reassigned once
// minted. It is backed by a ULID (oklog/ulid), which is already
// 26 characters in Crockford base32 and monotonic within one process
// when driven by a single monotonic entropy source — exactly what
// spec.md B4 requires ("docId auto-generation never collides within
// one process").
package docid

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator mints docIds. The zero value is not usable; use New.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// New returns a Generator whose docIds are monotonically increasing
// within this process even when minted within the same millisecond.
func New() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Next mints a new docId.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return strings.ToLower(id.String())
}

// Valid reports whether s has the shape of a docId: 26 lowercase
// Crockford-base32 characters.
func Valid(s string) bool {
	if len(s) != 26 || s != strings.ToLower(s) {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}
