// TLS Stream (component B): wraps a Socket, drives the handshake, and
// translates the TLS library's want-more-data / want-to-flush
// conditions into the poll-event bitmask the reactor understands.
//
// Go's crypto/tls.Conn speaks a blocking net.Conn, unlike OpenSSL's
// BIO which can report SSL_ERROR_WANT_READ/WRITE from a non-blocking
// call. To reconcile the two, the handshake and record (de)cipher run
// on a small dedicated goroutine wired to the raw Socket through an
// in-memory pipe; the reactor thread never blocks — it only shuttles
// already-available ciphertext bytes in and out through non-blocking
// channel operations, and reads the `wants` tri-state to decide next
// cycle's poll mask. This keeps the single-threaded reactor cooperative
// while still using the standard library's TLS implementation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package netio

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Wants is the TLS stream's tri-state: it either needs nothing extra,
// needs more ciphertext read from the peer, or needs to flush
// ciphertext it already produced before it can make progress.
type Wants int32

const (
	WantsNeither Wants = iota
	WantsRead
	WantsWrite
)

// TLSStream adapts a raw Socket to RFC 5246/8446 TLS, exposing the
// same In()/Enqueue() plaintext contract the HTTP/WebSocket layers use
// against a plain Socket.
type TLSStream struct {
	raw    *Socket
	conf   *tls.Config
	isSrv  bool
	pipe   net.Conn // reactor-side end; Read/Write never block meaningfully since the peer end is serviced eagerly by the session goroutine
	peer   net.Conn // handed to tls.Conn
	sess   *tls.Conn
	wants  atomic.Int32
	done   atomic.Bool // handshake complete; never retried per §3 TLS Stream invariant
	appIn  chan []byte
	appOut chan []byte
	errCh  chan error
	closed atomic.Bool
}

// NewTLSStream creates a TLS stream over raw using conf: the server
// side when isServer is true, the client side otherwise.
func NewTLSStream(raw *Socket, conf *tls.Config, isServer bool) *TLSStream {
	pipe, peer := net.Pipe()
	t := &TLSStream{
		raw:    raw,
		conf:   conf,
		isSrv:  isServer,
		pipe:   pipe,
		peer:   peer,
		appIn:  make(chan []byte, 64),
		appOut: make(chan []byte, 64),
		errCh:  make(chan error, 1),
	}
	if isServer {
		t.sess = tls.Server(peer, conf)
	} else {
		t.sess = tls.Client(peer, conf)
	}
	go t.sessionLoop()
	return t
}

// sessionLoop runs the blocking TLS handshake plus the plaintext
// read/write loop on its own goroutine, reporting progress back via
// the buffered channels the reactor thread polls non-blockingly.
func (t *TLSStream) sessionLoop() {
	if err := t.sess.Handshake(); err != nil {
		t.errCh <- fmt.Errorf("tls handshake: %w", err)
		return
	}
	t.done.Store(true)
	t.wants.Store(int32(WantsNeither))

	go func() {
		for {
			buf := make([]byte, 32*1024)
			n, err := t.sess.Read(buf)
			if n > 0 {
				t.appIn <- buf[:n]
			}
			if err != nil {
				t.errCh <- fmt.Errorf("tls read: %w", err)
				return
			}
		}
	}()
	for p := range t.appOut {
		if _, err := t.sess.Write(p); err != nil {
			t.errCh <- fmt.Errorf("tls write: %w", err)
			return
		}
	}
}

// PumpRawToSession forwards any ciphertext the reactor already read
// off the wire (raw.In()) into the TLS session's pipe, non-blockingly.
// Called once per poll cycle after raw.ReadIntoBuffer.
func (t *TLSStream) PumpRawToSession() {
	data := t.raw.In()
	if len(data) == 0 {
		return
	}
	t.pipe.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, err := t.pipe.Write(data)
	if n > 0 {
		t.raw.Discard(n)
	}
	if err != nil {
		t.wants.Store(int32(WantsRead))
	}
}

// PumpSessionToRaw drains any ciphertext the TLS session produced and
// enqueues it on the raw socket's output buffer for WriteFromBuffer.
func (t *TLSStream) PumpSessionToRaw() {
	buf := make([]byte, 32*1024)
	for {
		t.pipe.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := t.pipe.Read(buf)
		if n > 0 {
			t.raw.Enqueue(buf[:n])
		}
		if err != nil {
			if n == 0 {
				t.wants.Store(int32(WantsWrite))
			}
			return
		}
	}
}

// In drains any plaintext application bytes decrypted so far.
// Per §3 "TLS Stream": until the handshake flag clears, no
// application bytes are read or written.
func (t *TLSStream) In() []byte {
	if !t.done.Load() {
		return nil
	}
	select {
	case b := <-t.appIn:
		return b
	default:
		return nil
	}
}

// Enqueue schedules plaintext for encryption and transmission. A
// no-op before the handshake completes.
func (t *TLSStream) Enqueue(p []byte) {
	if !t.done.Load() {
		return
	}
	select {
	case t.appOut <- append([]byte(nil), p...):
	default:
		// session goroutine backlogged; report backpressure as WANT_WRITE
		t.wants.Store(int32(WantsWrite))
	}
}

// Err returns a fatal error surfaced by the session goroutine, if any.
func (t *TLSStream) Err() error {
	select {
	case err := <-t.errCh:
		return err
	default:
		return nil
	}
}

// Wants reports the current tri-state.
func (t *TLSStream) Wants() Wants { return Wants(t.wants.Load()) }

// HandshakeDone reports whether the handshake has completed.
func (t *TLSStream) HandshakeDone() bool { return t.done.Load() }

// PollEvents implements §4.B's table: when wants==Read the mask is
// forced to exactly EventRead (writes suppressed even if the
// plaintext layer has output pending, because the library is
// explicitly waiting on readable data); symmetric for Write.
func (t *TLSStream) PollEvents() PollEvents {
	switch t.Wants() {
	case WantsRead:
		return EventRead
	case WantsWrite:
		return EventWrite
	default:
		return t.raw.PollEvents()
	}
}

// Raw exposes the underlying ciphertext Socket for reactor registration.
func (t *TLSStream) Raw() *Socket { return t.raw }

// Fd returns the underlying raw file descriptor, for reactor registration.
func (t *TLSStream) Fd() uintptr { return t.raw.Fd() }

// ServiceReadable reads ciphertext off the wire and pumps it into the
// TLS session, then drains any ciphertext the session produced in
// response (e.g. handshake flight replies). Satisfies Transport.
func (t *TLSStream) ServiceReadable() error {
	if err := t.raw.ServiceReadable(); err != nil {
		return err
	}
	t.PumpRawToSession()
	t.PumpSessionToRaw()
	if err := t.Err(); err != nil {
		return err
	}
	return nil
}

// ServiceWritable flushes ciphertext already enqueued on the raw
// socket, then checks for any new ciphertext the session wants to
// send (e.g. a delayed handshake flight). Satisfies Transport.
func (t *TLSStream) ServiceWritable() error {
	if err := t.raw.ServiceWritable(); err != nil {
		return err
	}
	t.PumpSessionToRaw()
	return t.Err()
}

// Discard is a no-op for TLSStream: In() already removed the returned
// bytes from the internal plaintext queue when it dequeued them.
func (t *TLSStream) Discard(int) {}

// MarkClosePending forwards the deferred-close request to the
// underlying ciphertext socket, which is what actually drains to the
// wire.
func (t *TLSStream) MarkClosePending() { t.raw.MarkClosePending() }

// Close tears down the TLS session and the underlying socket.
func (t *TLSStream) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.peer.Close()
	t.pipe.Close()
	return t.raw.Close()
}
