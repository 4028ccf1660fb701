package httpdispatch

import (
	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/logging"
	"github.com/loolwsd/wsd/internal/netio"
)

// maxBufferedRequest bounds how much unparsed input a Dispatcher will
// accumulate before giving up, guarding against a slow-loris style
// peer that never completes a request line.
const maxBufferedRequest = 1 << 20 // 1 MiB

// Dispatcher adapts one accepted HTTP connection to the iopoll.Handler
// contract: it buffers bytes until a full request is available,
// routes it per §4.E, and — for the two Upgrade cases — migrates the
// connection onto a different poll entirely, after which this
// Dispatcher is never touched again.
type Dispatcher struct {
	transport netio.Transport
	ownerPoll iopoll.Poll
	deps      *Deps
	log       *logging.Logger

	buf       []byte
	handedOff bool
}

// New creates a Dispatcher for transport, registered for now on
// ownerPoll (typically the client-port acceptor's poll).
func New(transport netio.Transport, ownerPoll iopoll.Poll, deps *Deps) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		ownerPoll: ownerPoll,
		deps:      deps,
		log:       logging.New("httpdispatch"),
	}
}

func (d *Dispatcher) Fd() uintptr { return d.transport.Fd() }

func (d *Dispatcher) WantRead() bool { return !d.handedOff }

func (d *Dispatcher) WantWrite() bool {
	return d.transport.PollEvents()&netio.EventWrite != 0
}

// OnReadable services the transport, accumulates bytes, and once a
// complete request is buffered parses and routes that one request.
// HTTP/1.1 keep-alive is not offered by this gateway — every response
// either closes the connection (writeStatusClose variants mark close
// pending) or hands the socket off to another poll, so at most one
// request is ever routed per Dispatcher.
func (d *Dispatcher) OnReadable() error {
	if err := d.transport.ServiceReadable(); err != nil {
		return err
	}
	data := d.transport.In()
	if len(data) > 0 {
		d.transport.Discard(len(data))
		d.buf = append(d.buf, data...)
	}
	if len(d.buf) > maxBufferedRequest {
		writeStatusClose(d.transport, 400, "400 Bad Request")
		return nil
	}

	req, consumed, err := ParseBuffered(d.buf)
	if err != nil {
		writeStatusClose(d.transport, 400, "400 Bad Request")
		return nil
	}
	if req == nil {
		return nil // wait for more bytes
	}
	d.buf = d.buf[consumed:]

	if d.route(req) {
		d.handedOff = true
	}
	return nil
}

func (d *Dispatcher) OnWritable() error {
	return d.transport.ServiceWritable()
}

func (d *Dispatcher) OnClose() {
	d.transport.Close()
}
