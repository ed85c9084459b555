package wire

import "strings"

// CloseReason describes why a connection lifecycle ended. A reason
// beginning with "Authentication" is, by convention (spec.md §4.3), a
// non-retriable credential rejection — callers may still retry the
// handshake itself, but must not treat it as a transient NetworkError.
type CloseReason string

// IsAuthenticationFailure reports whether r signals a credential
// rejection at handshake time.
func (r CloseReason) IsAuthenticationFailure() bool {
	return strings.HasPrefix(string(r), "Authentication")
}
