package wire

import (
	"encoding/json"
	"fmt"

	"github.com/docukit/syncd/pkg/syncerr"
)

// Encode wraps payload in an Envelope of the given type and id, ready
// for transport.Send.
func Encode(id string, typ MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{ID: id, Type: typ, Payload: raw}, nil
}

// Decode unmarshals an Envelope's payload into out.
func Decode(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

// ErrorPayloadFromSyncErr maps a syncerr.Error to the three kinds a
// sync response may carry. Kinds outside that set (NetworkError,
// AuthenticationError) never originate server-side in a sync response
// body and are mapped to DatabaseError as a conservative fallback.
func ErrorPayloadFromSyncErr(err *syncerr.Error) *ErrorPayload {
	typ := string(err.Kind)
	switch err.Kind {
	case syncerr.KindAuthorization, syncerr.KindDatabase, syncerr.KindValidation:
	default:
		typ = string(syncerr.KindDatabase)
	}
	return &ErrorPayload{Type: typ, Message: err.Message}
}

// ToSyncErr maps a wire ErrorPayload back to a syncerr.Error on the
// client.
func (p *ErrorPayload) ToSyncErr() *syncerr.Error {
	return &syncerr.Error{Kind: syncerr.Kind(p.Type), Message: p.Message}
}
