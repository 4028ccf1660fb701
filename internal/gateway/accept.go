// Accept loops for the two listening ports (§4.J), each its own
// goroutine performing the one remaining genuinely blocking call
// (Listener.Accept) outside any reactor cycle, then handing the
// accepted connection's descriptor to a Socket Poll via
// InsertNewSocket — the only cross-thread entry point a poll exposes.
// Grounded on the teacher's transport/tcp/listener.go accept-loop
// shape, adapted from its blocking net.Conn handler model to this
// gateway's non-blocking fd/Socket model.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package gateway

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/loolwsd/wsd/internal/logging"
	"github.com/loolwsd/wsd/internal/netio"
)

const maxPortProbe = 32

// listenWithRetry binds host:port, auto-incrementing port on
// EADDRINUSE and logging each attempt, per §4.J "Port conflict
// handling".
func listenWithRetry(host string, port int, log *logging.Logger) (*net.TCPListener, int, error) {
	for attempt := 0; attempt < maxPortProbe; attempt++ {
		addr := fmt.Sprintf("%s:%d", host, port+attempt)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln.(*net.TCPListener), port + attempt, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("gateway: listen %s: %w", addr, err)
		}
		log.Warnf("port %d in use, trying %d", port+attempt, port+attempt+1)
	}
	return nil, 0, fmt.Errorf("gateway: no free port found starting at %d after %d attempts", port, maxPortProbe)
}

// socketFromConn duplicates the kernel descriptor backing conn and
// wraps the duplicate in a non-blocking netio.Socket, then closes the
// original net.Conn (and the fd it owns) — the duplicate keeps the
// underlying socket alive.
func socketFromConn(conn net.Conn) (*netio.Socket, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("gateway: unexpected connection type %T", conn)
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway: syscall conn: %w", err)
	}

	var dupFd int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		dupFd, dupErr = syscall.Dup(int(fd))
	})
	conn.Close()
	if ctrlErr != nil {
		return nil, fmt.Errorf("gateway: control: %w", ctrlErr)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("gateway: dup fd: %w", dupErr)
	}

	sock, err := netio.NewSocketNonBlocking(dupFd)
	if err != nil {
		syscall.Close(dupFd)
		return nil, err
	}
	return sock, nil
}

// acceptLoop blocks on ln.Accept in a dedicated goroutine, handing
// each connection's duplicated fd to onAccept. Returns when ln is
// closed (by Gateway.Stop).
func acceptLoop(ln *net.TCPListener, log *logging.Logger, onAccept func(*netio.Socket)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("accept error: %v", err)
			continue
		}
		sock, err := socketFromConn(conn)
		if err != nil {
			log.Warnf("%v", err)
			continue
		}
		onAccept(sock)
	}
}
