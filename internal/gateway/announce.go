// Worker-callback port handler (§4.J): parses exactly one HTTP
// request of shape `/?pid=P&version=V`, records a Child Process, and
// releases the socket from this prisoner poll so it sits unwatched
// until a Document Broker claims it by wiring its own wsproto.Conn
// around the same underlying Socket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package gateway

import (
	"fmt"
	"strconv"

	"github.com/loolwsd/wsd/internal/childpool"
	"github.com/loolwsd/wsd/internal/httpdispatch"
	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/logging"
	"github.com/loolwsd/wsd/internal/netio"
)

const maxAnnounceRequest = 4096

// announceHandler buffers exactly one worker-announcement request
// before handing the underlying socket to the pool.
type announceHandler struct {
	sock   *netio.Socket
	poll   iopoll.Poll
	pool   *childpool.Pool
	log    *logging.Logger
	buf    []byte
	closed bool
}

func newAnnounceHandler(sock *netio.Socket, poll iopoll.Poll, pool *childpool.Pool, log *logging.Logger) *announceHandler {
	return &announceHandler{sock: sock, poll: poll, pool: pool, log: log}
}

func (h *announceHandler) Fd() uintptr    { return h.sock.Fd() }
func (h *announceHandler) WantRead() bool { return !h.closed }
func (h *announceHandler) WantWrite() bool {
	return h.sock.PollEvents()&netio.EventWrite != 0
}

func (h *announceHandler) OnReadable() error {
	if err := h.sock.ServiceReadable(); err != nil {
		return err
	}
	in := h.sock.In()
	h.buf = append(h.buf, in...)
	h.sock.Discard(len(in))
	if len(h.buf) > maxAnnounceRequest {
		return fmt.Errorf("gateway: worker announcement too large")
	}

	req, consumed, err := httpdispatch.ParseBuffered(h.buf)
	if err != nil {
		h.sock.Enqueue([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		h.sock.MarkClosePending()
		return nil
	}
	if req == nil {
		return nil // wait for the rest of the request line
	}
	h.buf = h.buf[consumed:]

	pidStr := req.URL.Query().Get("pid")
	pid, convErr := strconv.Atoi(pidStr)
	if convErr != nil || pid <= 0 {
		h.sock.Enqueue([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		h.sock.MarkClosePending()
		return nil
	}

	child := childpool.NewChild(pid, h.sock)
	h.pool.OnChildAnnounce(child)
	h.log.Infof("worker announced: pid=%d version=%s", pid, req.URL.Query().Get("version"))

	h.sock.Enqueue([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	h.closed = true
	h.poll.ReleaseSocket(h)
	return nil
}

func (h *announceHandler) OnWritable() error {
	return h.sock.ServiceWritable()
}

func (h *announceHandler) OnClose() {
	if !h.closed {
		h.sock.Close()
	}
}
