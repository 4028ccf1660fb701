// Package iopoll implements the Socket Poll (component C): a
// per-thread reactor owning a set of non-blocking sockets, a wakeup
// descriptor, and a deferred-callback queue for cross-thread socket
// migration. Platform-neutral surface; poll_linux.go provides the
// epoll backend, grounded on the teacher's reactor/epoll_reactor.go
// and reactor/reactor.go split.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package iopoll

import "time"

// DefaultPollTimeout is the ceiling on one poll cycle's wait, per
// §4.C step 1 ("DefaultPollTimeoutMs ≈ 5000ms").
const DefaultPollTimeout = 5 * time.Second

// Handler is anything a Poll can own: a Socket, a TLSStream, or any
// adapter implementing the same non-blocking contract. OnReadable and
// OnWritable are invoked serialized on the poll's own thread; they
// return a non-nil error to request pruning (the socket is dropped
// and OnClose runs).
type Handler interface {
	Fd() uintptr
	WantRead() bool
	WantWrite() bool
	OnReadable() error
	OnWritable() error
	OnClose()
}

// Poll is the reactor abstraction a Document Broker, the acceptor, or
// the admin channel each drive on their own dedicated thread.
type Poll interface {
	// Name returns the stable thread identity used in logs.
	Name() string

	// Run blocks, executing poll cycles until Stop is called.
	Run()

	// Stop requests the run loop to exit after its current cycle.
	Stop()

	// InsertNewSocket enqueues h for registration and wakes the poll.
	// Safe to call from any goroutine.
	InsertNewSocket(h Handler)

	// ReleaseSocket unregisters h without closing its descriptor, the
	// handoff primitive used during socket migration (§9 "Migration").
	// Safe to call from any goroutine.
	ReleaseSocket(h Handler)

	// Defer enqueues an arbitrary callback to run on the poll's own
	// thread at the next wakeup — the general form of the
	// cross-thread deferred-action queue §4.C describes, used e.g. to
	// have a broker send a message to its worker without ever calling
	// Session.SendFrame off the owning thread.
	// Safe to call from any goroutine.
	Defer(fn func())

	// Wakeup forces an immediate return from a blocked poll wait.
	// Safe to call from any goroutine.
	Wakeup()

	// Len reports the number of sockets currently owned (for tests
	// and admin introspection), reflecting state as of the last cycle.
	Len() int
}
