// Package transport implements the duplex channel of spec.md §4.3 over
// a websocket (gorilla/websocket): JSON-framed envelopes over one
// long-lived connection giving a request/response-plus-server-event
// shape in plain, reviewable Go.
package transport

import (
	"sync"
	"time"

	"github.com/docukit/syncd/pkg/wire"
	"github.com/gorilla/websocket"
)

// Conn is one duplex channel, client or server side. A single
// goroutine should own Recv; Send is safe for concurrent use.
type Conn interface {
	Send(env wire.Envelope) error
	Recv() (wire.Envelope, error)
	Close(reason string) error
}

// wsConn adapts *websocket.Conn to Conn. gorilla requires a single
// writer at a time; writeMu serializes Send calls (Recv has its own
// implicit single-reader discipline — callers must not call Recv
// concurrently from multiple goroutines).
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Recv() (wire.Envelope, error) {
	var env wire.Envelope
	err := c.ws.ReadJSON(&env)
	return env, err
}

func (c *wsConn) Close(reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
