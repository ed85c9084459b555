package server

import (
	"github.com/docukit/syncd/pkg/wire"
)

// dispatch decodes one inbound envelope and routes it to the matching
// handler, replying under the same correlation ID (spec.md §4.3).
func (s *Server[Doc]) dispatch(sess *session, env wire.Envelope) {
	switch env.Type {
	case wire.TypeSync:
		var req wire.SyncRequest
		if err := wire.Decode(env, &req); err != nil {
			s.reply(sess, env.ID, wire.TypeSync, wire.SyncResponse{})
			return
		}
		resp := s.handleSync(sess, req)
		s.reply(sess, env.ID, wire.TypeSync, resp)

	case wire.TypePresence:
		var req wire.PresenceRequest
		if err := wire.Decode(env, &req); err == nil {
			if err := s.handlePresence(sess, req); err != nil {
				s.logger().Warn().Err(err).Str("docId", req.DocID).Msg("presence request rejected")
			}
		}
		s.reply(sess, env.ID, wire.TypePresence, struct{}{})

	case wire.TypeDeleteDoc:
		var req wire.DeleteDocRequest
		if err := wire.Decode(env, &req); err == nil {
			if err := s.handleDeleteDoc(sess, req); err != nil {
				s.logger().Warn().Err(err).Str("docId", req.DocID).Msg("delete doc failed")
			}
		}
		s.reply(sess, env.ID, wire.TypeDeleteDoc, struct{}{})

	case wire.TypeUnsubscribeDoc:
		var req wire.UnsubscribeDocRequest
		if err := wire.Decode(env, &req); err == nil {
			_ = s.handleUnsubscribeDoc(sess, req)
		}
		s.reply(sess, env.ID, wire.TypeUnsubscribeDoc, struct{}{})

	default:
		s.logger().Warn().Str("type", string(env.Type)).Msg("unknown envelope type")
	}
}

func (s *Server[Doc]) reply(sess *session, id string, typ wire.MessageType, payload any) {
	env, err := wire.Encode(id, typ, payload)
	if err != nil {
		return
	}
	_ = sess.send(func() error { return sess.conn.Send(env) })
}
