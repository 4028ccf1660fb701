// WebSocket Session: fragment reassembly, ping/pong auto-reply, close
// handshake, and idle timeout, implementing §3 "WebSocket Session"
// and §4.D's contracts (sendFrame/handleMessage/shutdown).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package wsproto

import (
	"time"

	"github.com/loolwsd/wsd/internal/logging"
)

// State is the session's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Stream abstracts the plaintext transport a Session frames on top
// of: a *netio.Socket directly, or a *netio.TLSStream.
type Stream interface {
	In() []byte
	Discard(n int)
	Enqueue(p []byte)
}

// MessageHandler is invoked once per fully reassembled message.
// Exactly one call per complete message, per §3 invariant.
type MessageHandler func(opcode Opcode, payload []byte)

// Session parses RFC 6455 frames off a Stream and reassembles
// fragmented messages, exposing sendFrame/handleMessage/shutdown.
type Session struct {
	stream  Stream
	onMsg   MessageHandler
	log     *logging.Logger

	state State

	recvBuf     []byte
	accumulating bool
	accumOpcode Opcode
	accum       []byte

	lastActivity  time.Time
	idleTimeout   time.Duration
	closeSent     bool
	closeDeadline time.Time
}

// NewSession creates a Session that starts in the Open state, since
// the upgrade handshake has already completed when it is built.
func NewSession(stream Stream, idleTimeout time.Duration, onMsg MessageHandler) *Session {
	return &Session{
		stream:      stream,
		onMsg:       onMsg,
		log:         logging.New("wsproto.session"),
		state:       StateOpen,
		idleTimeout: idleTimeout,
		lastActivity: time.Now(),
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() State { return s.state }

// PumpIncoming drains whatever new bytes the Stream has buffered,
// parses as many complete frames as are available, and dispatches
// assembled messages to the handler. Called by the owning poll after
// OnReadable succeeds.
func (s *Session) PumpIncoming() error {
	data := s.stream.In()
	if len(data) > 0 {
		s.stream.Discard(len(data))
		s.recvBuf = append(s.recvBuf, data...)
		s.lastActivity = time.Now()
	}

	for {
		frame, consumed, err := DecodeFrame(s.recvBuf)
		if err != nil {
			s.Shutdown(CloseProtocolError)
			return err
		}
		if frame == nil {
			return nil
		}
		s.recvBuf = s.recvBuf[consumed:]
		if err := s.dispatch(frame); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(f *Frame) error {
	switch f.Opcode {
	case OpPing:
		return s.sendControl(OpPong, f.Payload)
	case OpPong:
		return nil
	case OpClose:
		return s.handleClose(f.Payload)
	case OpText, OpBinary:
		return s.handleDataFrame(f)
	case OpContinuation:
		return s.handleContinuation(f)
	default:
		s.Shutdown(CloseProtocolError)
		return nil
	}
}

func (s *Session) handleDataFrame(f *Frame) error {
	if s.accumulating {
		s.Shutdown(CloseProtocolError)
		return nil
	}
	if f.Final {
		s.onMsg(f.Opcode, f.Payload)
		return nil
	}
	s.accumulating = true
	s.accumOpcode = f.Opcode
	s.accum = append(s.accum[:0], f.Payload...)
	return s.checkAccumSize()
}

func (s *Session) handleContinuation(f *Frame) error {
	if !s.accumulating {
		s.Shutdown(CloseProtocolError)
		return nil
	}
	s.accum = append(s.accum, f.Payload...)
	if err := s.checkAccumSize(); err != nil {
		return err
	}
	if f.Final {
		opcode := s.accumOpcode
		payload := s.accum
		s.accumulating = false
		s.accum = nil
		s.onMsg(opcode, payload)
	}
	return nil
}

func (s *Session) checkAccumSize() error {
	if len(s.accum) > MaxMessageSize {
		s.accumulating = false
		s.accum = nil
		s.Shutdown(CloseMessageTooBig)
	}
	return nil
}

func (s *Session) handleClose(payload []byte) error {
	if s.state == StateClosing {
		s.state = StateClosed
		return nil
	}
	s.state = StateClosing
	return s.sendControl(OpClose, payload)
}

// SendFrame appends one frame to the stream's output buffer.
// Per §4.D it is safe only from the owning poll's thread; callers on
// other goroutines must route through a deferred callback on that
// poll instead of calling this directly.
func (s *Session) SendFrame(payload []byte, opcode Opcode) error {
	buf, err := EncodeFrame(opcode, true, payload)
	if err != nil {
		return err
	}
	s.stream.Enqueue(buf)
	return nil
}

func (s *Session) sendControl(opcode Opcode, payload []byte) error {
	return s.SendFrame(payload, opcode)
}

// Shutdown sends a close frame with the given status, transitions to
// Closing, and arms a grace deadline for the peer's close echo, which
// HardCloseDue reports on. The session does not close the stream itself
// when that deadline passes.
func (s *Session) Shutdown(code int) {
	if s.closeSent {
		return
	}
	s.closeSent = true
	s.state = StateClosing
	s.closeDeadline = time.Now().Add(2 * time.Second)
	buf, err := EncodeClose(code, "")
	if err == nil {
		s.stream.Enqueue(buf)
	}
}

// IdleExpired reports whether the session has been silent past its
// configured idle timeout. It only reports; it does not call Shutdown.
func (s *Session) IdleExpired() bool {
	if s.idleTimeout <= 0 {
		return false
	}
	return time.Since(s.lastActivity) > s.idleTimeout
}

// HardCloseDue reports whether the grace period after sending a close
// frame has elapsed without the peer completing the close handshake.
func (s *Session) HardCloseDue() bool {
	return s.closeSent && s.state != StateClosed && time.Now().After(s.closeDeadline)
}
