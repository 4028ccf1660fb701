// Package netio implements the Socket (component A) and TLS Stream
// (component B) layer: a non-blocking file-descriptor owner with
// input/output byte buffers, generalized from the teacher's
// transport/tcp listener and internal/transport Linux backend.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package netio

import (
	"fmt"
	"time"

	"github.com/loolwsd/wsd/internal/wsderr"
	"golang.org/x/sys/unix"
)

// PollEvents is the bitmask a Socket reports it wants polled.
type PollEvents uint32

const (
	EventRead  PollEvents = 1 << iota // POLLIN
	EventWrite                        // POLLOUT
)

const readChunk = 64 * 1024

// Socket owns one non-blocking file descriptor plus its input and
// output byte buffers. Per §3 "Socket": the output buffer drains
// FIFO and no partial-frame reads are visible to the handler — the
// handler alone decides frame boundaries by consuming from In().
type Socket struct {
	fd           int
	in           []byte
	out          []byte
	closePending bool
	closed       bool
}

// NewSocket wraps an already-non-blocking fd.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// NewSocketNonBlocking sets O_NONBLOCK on fd before wrapping it.
func NewSocketNonBlocking(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("netio: set nonblock: %w", err)
	}
	return NewSocket(fd), nil
}

// Fd returns the raw OS-level file descriptor.
func (s *Socket) Fd() uintptr { return uintptr(s.fd) }

// In returns the unread bytes of the input buffer. The handler must
// call Discard to advance past bytes it has consumed.
func (s *Socket) In() []byte { return s.in }

// Discard removes the first n bytes of the input buffer.
func (s *Socket) Discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.in) {
		s.in = s.in[:0]
		return
	}
	copy(s.in, s.in[n:])
	s.in = s.in[:len(s.in)-n]
}

// Enqueue appends bytes to the output buffer for the next
// WriteFromBuffer drain. Never performs I/O itself — per the design
// note in §9, send/recv only happen through buffer operations owned
// by the reactor.
func (s *Socket) Enqueue(p []byte) {
	s.out = append(s.out, p...)
}

// OutstandingOutput reports whether bytes remain to be flushed.
func (s *Socket) OutstandingOutput() bool { return len(s.out) > 0 }

// MarkClosePending requests a close once the output buffer drains.
func (s *Socket) MarkClosePending() { s.closePending = true }

// ClosePending reports whether a deferred close was requested.
func (s *Socket) ClosePending() bool { return s.closePending }

// Closed reports whether Close has already run.
func (s *Socket) Closed() bool { return s.closed }

// ReadIntoBuffer performs one non-blocking read attempt, appending
// any bytes received to the input buffer. Classifies the syscall
// outcome per §4.A's table.
func (s *Socket) ReadIntoBuffer() (int, error) {
	buf := make([]byte, readChunk)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, classifyIOError(err)
	}
	if n == 0 {
		return 0, wsderr.New(wsderr.CodeDisconnect, "peer closed connection")
	}
	s.in = append(s.in, buf[:n]...)
	return n, nil
}

// WriteFromBuffer drains as much of the output buffer as the kernel
// will accept in one non-blocking write, compacting what remains.
func (s *Socket) WriteFromBuffer() (int, error) {
	if len(s.out) == 0 {
		return 0, nil
	}
	n, err := unix.Write(s.fd, s.out)
	if err != nil {
		return 0, classifyIOError(err)
	}
	copy(s.out, s.out[n:])
	s.out = s.out[:len(s.out)-n]
	return n, nil
}

// PollEvents returns the bitmask this socket wants polled right now:
// always readable interest, plus writable interest whenever output is
// pending or a close is queued.
func (s *Socket) PollEvents() PollEvents {
	ev := EventRead
	if s.OutstandingOutput() || s.closePending {
		ev |= EventWrite
	}
	return ev
}

// Close releases the underlying file descriptor. Idempotent.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// classifyIOError maps a raw syscall error to the §4.A taxonomy:
// RETRY for EAGAIN/EINTR, DISCONNECT for ECONNRESET/EPIPE (a clean
// peer close is handled by the n==0 check above), FATAL for anything
// else.
func classifyIOError(err error) error {
	switch err {
	case unix.EAGAIN, unix.EINTR:
		return wsderr.New(wsderr.CodeTransient, "retry")
	case unix.ECONNRESET, unix.EPIPE:
		return wsderr.New(wsderr.CodeDisconnect, err.Error())
	default:
		return wsderr.Newf(wsderr.CodeTLSFatal, "socket io: %v", err).WithContext("errno", err)
	}
}

// ServiceReadable performs one readable-event's worth of I/O: a
// single non-blocking read into the buffer. Satisfies Transport.
func (s *Socket) ServiceReadable() error {
	_, err := s.ReadIntoBuffer()
	if err != nil && wsderr.Is(err, wsderr.CodeTransient) {
		return nil
	}
	return err
}

// ServiceWritable performs one writable-event's worth of I/O: drains
// as much of the output buffer as the kernel accepts. Satisfies
// Transport.
func (s *Socket) ServiceWritable() error {
	_, err := s.WriteFromBuffer()
	if err != nil && wsderr.Is(err, wsderr.CodeTransient) {
		return nil
	}
	if s.closePending && !s.OutstandingOutput() {
		return wsderr.New(wsderr.CodeDisconnect, "deferred close drained")
	}
	return err
}

// Timeout computes the poll timeout for a socket given the reactor's
// default timeout, satisfying §4.C step 1 ("min of
// DefaultPollTimeoutMs and each socket's requested timeout"). The base
// Socket has no per-socket deadline, so it always defers to the
// reactor default.
func (s *Socket) Timeout(reactorDefault time.Duration) time.Duration {
	return reactorDefault
}
