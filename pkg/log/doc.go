/*
Package log provides structured logging for syncd using zerolog.

A single global Logger is configured once via Init and used from every
package. Context loggers attach the dimensions this system actually
cares about — docId, userId, deviceId, socketId — instead of generic
strings, so that a sync failure can be traced across the client cache,
the sync engine, and the server handler from one field.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	docLog := log.WithDocID("01hn3k...")
	docLog.Info().Str("userId", u).Msg("push consolidated")
*/
package log
