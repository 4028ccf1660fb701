// Transport is the common plaintext-I/O surface both a bare Socket
// and a TLSStream satisfy, letting higher layers (WebSocket sessions,
// the HTTP dispatcher, the document broker) stay agnostic to whether
// TLS termination is in play — matching the teacher's api.NetConn
// abstraction in spirit (api/transport.go), generalized to the
// buffered, non-blocking model of §3/§4.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package netio

// Transport is what iopoll.Handler adapters drive each reactor cycle.
type Transport interface {
	Fd() uintptr
	In() []byte
	Discard(n int)
	Enqueue(p []byte)
	PollEvents() PollEvents
	Close() error
	ServiceReadable() error
	ServiceWritable() error

	// MarkClosePending requests the transport close itself once its
	// output buffer fully drains, letting a handler send a final
	// response and then close without racing the write.
	MarkClosePending()
}

var (
	_ Transport = (*Socket)(nil)
	_ Transport = (*TLSStream)(nil)
)
