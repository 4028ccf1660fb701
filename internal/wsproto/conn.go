// Conn adapts a netio.Transport + Session pair to the iopoll.Handler
// contract, so a WebSocket connection (client or worker) can be
// registered directly with a Socket Poll.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package wsproto

import (
	"time"

	"github.com/loolwsd/wsd/internal/netio"
)

// Conn is the registrable unit a poll cycle drives for one WebSocket
// connection.
type Conn struct {
	Transport netio.Transport
	Session   *Session
	onClose   func()
}

// NewConn builds a Conn around transport, framing messages via a new
// Session and invoking onMsg per reassembled message.
func NewConn(transport netio.Transport, idleTimeout time.Duration, onMsg MessageHandler, onClose func()) *Conn {
	return &Conn{
		Transport: transport,
		Session:   NewSession(transport, idleTimeout, onMsg),
		onClose:   onClose,
	}
}

func (c *Conn) Fd() uintptr { return c.Transport.Fd() }

func (c *Conn) WantRead() bool { return true }

func (c *Conn) WantWrite() bool {
	return c.Transport.PollEvents()&netio.EventWrite != 0
}

func (c *Conn) OnReadable() error {
	if err := c.Transport.ServiceReadable(); err != nil {
		return err
	}
	return c.Session.PumpIncoming()
}

func (c *Conn) OnWritable() error {
	return c.Transport.ServiceWritable()
}

func (c *Conn) OnClose() {
	c.Transport.Close()
	if c.onClose != nil {
		c.onClose()
	}
}
