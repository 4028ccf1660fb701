//go:build linux

// Linux epoll backend for the Socket Poll reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package iopoll

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/loolwsd/wsd/internal/affinity"
	"github.com/loolwsd/wsd/internal/logging"
	"golang.org/x/sys/unix"
)

// nextAffinityCPU round-robins pollers across logical cores; each
// Socket Poll (client, admin, worker-announce, and one per Document
// Broker) pins to the next core modulo runtime.NumCPU so its reactor
// thread never migrates mid-cycle; once polls outnumber cores, several
// polls share a core.
var nextAffinityCPU atomic.Int32

// deferredAction is a cross-thread request consumed at the next
// wakeup, per §4.C "Cross-thread API".
type deferredAction struct {
	insert  Handler
	release Handler
	fn      func()
}

type epollPoll struct {
	name   string
	epfd   int
	wakeFd int

	handlers map[uintptr]Handler
	// interest records the epoll bitmask last armed for each fd, so
	// syncInterest can tell whether a handler's WantRead/WantWrite
	// state has moved since registration and needs an EPOLL_CTL_MOD.
	interest map[uintptr]uint32

	mu       sync.Mutex
	deferred *queue.Queue

	stopCh chan struct{}
	log    *logging.Logger
}

// New creates a named Socket Poll backed by Linux epoll.
func New(name string) (Poll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("iopoll: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("iopoll: eventfd: %w", err)
	}
	p := &epollPoll{
		name:     name,
		epfd:     epfd,
		wakeFd:   wakeFd,
		handlers: make(map[uintptr]Handler),
		interest: make(map[uintptr]uint32),
		deferred: queue.New(),
		stopCh:   make(chan struct{}),
		log:      logging.New("iopoll." + name),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("iopoll: register wakeup fd: %w", err)
	}
	return p, nil
}

func (p *epollPoll) Name() string { return p.name }

func (p *epollPoll) Len() int { return len(p.handlers) }

// Run executes poll cycles until Stop. Every cycle: compute timeout,
// epoll_wait, dispatch readable/writable handlers, drain the wakeup
// fd and run deferred actions, then prune closed sockets — the five
// steps of §4.C.
func (p *epollPoll) Run() {
	runtime.LockOSThread()
	if n := runtime.NumCPU(); n > 0 {
		cpu := int(nextAffinityCPU.Add(1)-1) % n
		if err := affinity.SetAffinity(cpu); err != nil {
			p.log.Warnf("cpu affinity pin to core %d failed: %v", cpu, err)
		}
	}

	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		timeoutMs := int(DefaultPollTimeout / time.Millisecond)
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.Errorf("epoll_wait: %v", err)
			continue
		}

		var toPrune []Handler
		for i := 0; i < n; i++ {
			fd := uintptr(events[i].Fd)
			if fd == uintptr(p.wakeFd) {
				p.drainWakeup()
				p.runDeferred()
				continue
			}
			h, ok := p.handlers[fd]
			if !ok {
				continue
			}
			if events[i].Events&(unix.EPOLLIN) != 0 {
				if err := h.OnReadable(); err != nil {
					toPrune = append(toPrune, h)
					continue
				}
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				if err := h.OnWritable(); err != nil {
					toPrune = append(toPrune, h)
					continue
				}
			}
			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				toPrune = append(toPrune, h)
			}
		}

		for _, h := range toPrune {
			p.remove(h)
			h.OnClose()
		}

		// A handler's writability can change with no syscall for
		// epoll to observe: Enqueue only appends to an in-memory
		// buffer, whether called from OnReadable above or from a
		// Defer callback run by runDeferred. Re-check every surviving
		// handler's wanted events once per cycle so queued output
		// actually gets flushed.
		for _, h := range p.handlers {
			p.syncInterest(h)
		}
	}
}

func (p *epollPoll) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoll) runDeferred() {
	p.mu.Lock()
	actions := make([]deferredAction, 0, p.deferred.Length())
	for p.deferred.Length() > 0 {
		actions = append(actions, p.deferred.Remove().(deferredAction))
	}
	p.mu.Unlock()

	for _, a := range actions {
		switch {
		case a.insert != nil:
			p.register(a.insert)
		case a.release != nil:
			p.remove(a.release)
		case a.fn != nil:
			a.fn()
		}
	}
}

// wantedEvents computes the epoll interest bitmask a handler
// currently wants, queried fresh every sync pass since it changes
// whenever output gets queued via Enqueue (never a direct write
// syscall epoll could observe on its own).
func wantedEvents(h Handler) uint32 {
	var ev uint32
	if h.WantRead() {
		ev |= unix.EPOLLIN
	}
	if h.WantWrite() {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoll) register(h Handler) {
	events := wantedEvents(h)
	ev := &unix.EpollEvent{Fd: int32(h.Fd()), Events: events}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(h.Fd()), ev); err != nil {
		p.log.Warnf("register fd=%d: %v", h.Fd(), err)
		return
	}
	p.handlers[h.Fd()] = h
	p.interest[h.Fd()] = events
}

func (p *epollPoll) remove(h Handler) {
	fd := h.Fd()
	if _, ok := p.handlers[fd]; !ok {
		return
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	delete(p.handlers, fd)
	delete(p.interest, fd)
}

// syncInterest re-arms fd's epoll registration via EPOLL_CTL_MOD when
// its wanted events have drifted from what's currently armed — the
// only way a handler whose sole output path is an in-memory Enqueue
// buffer (never a direct write syscall) ever gets EPOLLOUT delivered
// again after becoming writable post-registration.
func (p *epollPoll) syncInterest(h Handler) {
	fd := h.Fd()
	if _, ok := p.handlers[fd]; !ok {
		return
	}
	want := wantedEvents(h)
	if p.interest[fd] == want {
		return
	}
	ev := &unix.EpollEvent{Fd: int32(fd), Events: want}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
		p.log.Warnf("rearm fd=%d: %v", fd, err)
		return
	}
	p.interest[fd] = want
}

// InsertNewSocket enqueues h for registration and wakes the poll.
func (p *epollPoll) InsertNewSocket(h Handler) {
	p.mu.Lock()
	p.deferred.Add(deferredAction{insert: h})
	p.mu.Unlock()
	p.Wakeup()
}

// ReleaseSocket unregisters h without closing its descriptor, used
// during migration handoff between polls.
func (p *epollPoll) ReleaseSocket(h Handler) {
	p.mu.Lock()
	p.deferred.Add(deferredAction{release: h})
	p.mu.Unlock()
	p.Wakeup()
}

// Defer enqueues an arbitrary callback to run on this poll's own
// thread at the next wakeup.
func (p *epollPoll) Defer(fn func()) {
	p.mu.Lock()
	p.deferred.Add(deferredAction{fn: fn})
	p.mu.Unlock()
	p.Wakeup()
}

// Wakeup writes one event to the eventfd, forcing the next
// epoll_wait to return immediately.
func (p *epollPoll) Wakeup() {
	var one [8]byte
	one[0] = 1
	unix.Write(p.wakeFd, one[:])
}

// Stop signals the run loop to exit and wakes it so it notices
// promptly even if blocked in epoll_wait.
func (p *epollPoll) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.Wakeup()
}
