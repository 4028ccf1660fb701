// Package childpool implements Child Process (component F) and the
// Child Pool Manager (component G): pre-spawned worker bookkeeping,
// admission, reaping, and matchmaking with document brokers.
// Grounded on the teacher's pool/objpool.go generic-pool shape and
// internal/concurrency/executor.go's worker-lifecycle pattern, reused
// here for forkit supervision.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package childpool

import (
	"time"

	"github.com/loolwsd/wsd/internal/netio"
	"golang.org/x/sys/unix"
)

// Child is the immutable record of one worker process, per §3
// "Child Process": {pid, socket, birth_time}.
type Child struct {
	PID    int
	Socket *netio.Socket
	Birth  time.Time
}

// NewChild wraps a just-announced worker.
func NewChild(pid int, sock *netio.Socket) *Child {
	return &Child{PID: pid, Socket: sock, Birth: time.Now()}
}

// Alive reports liveness via kernel signal 0, per §3's definition.
func (c *Child) Alive() bool {
	return unix.Kill(c.PID, 0) == nil
}

// Destroy closes the worker's callback socket. Does not attempt to
// kill the process; the worker is expected to exit once its socket
// and document session end.
func (c *Child) Destroy() error {
	return c.Socket.Close()
}
