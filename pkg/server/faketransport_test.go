package server

import (
	"sync"

	"github.com/docukit/syncd/pkg/wire"
)

// pipeConn is an in-memory transport.Conn: Send on one end delivers to
// Recv on the peer end. It exists so server tests can drive the wire
// protocol without a real socket, the same shape pkg/client's own
// fake transport uses.
type pipeConn struct {
	out    chan wire.Envelope
	in     chan wire.Envelope
	closed chan struct{}
	once   sync.Once
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := make(chan wire.Envelope, 64)
	b := make(chan wire.Envelope, 64)
	closed := make(chan struct{})
	return &pipeConn{out: a, in: b, closed: closed}, &pipeConn{out: b, in: a, closed: closed}
}

func (c *pipeConn) Send(env wire.Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return errClosedPipe
	}
}

func (c *pipeConn) Recv() (wire.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return wire.Envelope{}, errClosedPipe
	}
}

func (c *pipeConn) Close(reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

var errClosedPipe = pipeClosedError{}

type pipeClosedError struct{}

func (pipeClosedError) Error() string { return "pipe closed" }
