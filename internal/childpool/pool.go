// Child Pool Manager: target idle-worker count, outstanding-fork
// accounting, acquire/prespawn/reap per §4.F-G.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package childpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/loolwsd/wsd/internal/logging"
	"github.com/loolwsd/wsd/internal/wsderr"
)

// ChildTimeout is CHILD_TIMEOUT_MS from §4.F/§8: forkit is expected to
// announce a spawned worker within this window.
const ChildTimeout = 30 * time.Second

// Pool tracks idle workers and in-flight spawn requests, matching
// them against documents that need one.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	idle   []*Child
	target int

	outstandingForks   atomic.Int64
	lastForkRequestAt  atomic.Int64 // unix nanos
	lastCleanupAt      atomic.Int64

	inProgressAssignments atomic.Int64

	rebalanceLock chan struct{} // size-1 "try-lock" for the non-blocking prespawn skip

	pending *queue.Queue // assignment requests waiting for a worker (informational; Acquire uses cond directly)

	forkit ForkitPipe
	log    *logging.Logger
}

// ForkitPipe is the write side of the line-oriented protocol to the
// forkit supervisor: "spawn N\n".
type ForkitPipe interface {
	RequestSpawn(n int) error
}

// New creates a Pool targeting the given idle-worker count.
func New(target int, forkit ForkitPipe) *Pool {
	p := &Pool{
		target:        target,
		rebalanceLock: make(chan struct{}, 1),
		pending:       queue.New(),
		forkit:        forkit,
		log:           logging.New("childpool"),
	}
	p.rebalanceLock <- struct{}{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire blocks (up to 4*ChildTimeout per §4.F) for an idle worker,
// rebalancing first. Returns nil and a wsderr.CodeTransient error if
// none becomes available.
func (p *Pool) Acquire() (*Child, error) {
	p.Prespawn()

	deadline := time.Now().Add(4 * ChildTimeout)
	timer := time.AfterFunc(time.Until(deadline), func() { p.cond.Broadcast() })
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if !c.Alive() {
				continue // §8 invariant: idle-list pops are checked for liveness
			}
			p.inProgressAssignments.Add(1)
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, wsderr.New(wsderr.CodeTransient, "acquire: timed out waiting for a worker")
		}
		p.cond.Wait()
	}
}

// ReleaseAssignment decrements the in-progress-assignment counter once
// a broker has taken ownership of (or abandoned) an acquired worker.
func (p *Pool) ReleaseAssignment() {
	p.inProgressAssignments.Add(-1)
}

// OnChildAnnounce records a newly spawned worker as idle and wakes
// any blocked Acquire callers. Invariant (§8): outstanding_forks is
// strictly smaller afterward, bounded below by 0.
func (p *Pool) OnChildAnnounce(c *Child) {
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()

	for {
		cur := p.outstandingForks.Load()
		if cur <= 0 {
			break
		}
		if p.outstandingForks.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	p.cond.Broadcast()
}

// Prespawn recomputes the worker deficit and requests new spawns if
// positive. Open question in §9: rebalancing is best-effort — if
// another goroutine already holds rebalanceLock, this call skips
// rather than blocking, and is retried on the next periodic tick.
func (p *Pool) Prespawn() {
	select {
	case <-p.rebalanceLock:
	default:
		return // someone else is rebalancing; best-effort skip
	}
	defer func() { p.rebalanceLock <- struct{}{} }()

	p.reapDeadIdle()

	if last := p.lastForkRequestAt.Load(); last != 0 {
		if p.outstandingForks.Load() > 0 && time.Since(time.Unix(0, last)) > ChildTimeout {
			p.outstandingForks.Store(0) // assume the spawn request was lost
		}
	}

	p.mu.Lock()
	available := int64(len(p.idle))
	p.mu.Unlock()

	deficit := int64(p.target) + p.inProgressAssignments.Load() - available - p.outstandingForks.Load()
	if deficit <= 0 {
		return
	}

	recentCleanup := time.Since(time.Unix(0, p.lastCleanupAt.Load())) < ChildTimeout
	if !recentCleanup && p.outstandingForks.Load() != 0 {
		return
	}

	if err := p.forkit.RequestSpawn(int(deficit)); err != nil {
		p.log.Warnf("spawn request failed: %v", err)
		return
	}
	p.outstandingForks.Add(deficit)
	p.lastForkRequestAt.Store(time.Now().UnixNano())
}

func (p *Pool) reapDeadIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.idle[:0]
	for _, c := range p.idle {
		if c.Alive() {
			live = append(live, c)
		}
	}
	p.idle = live
	p.lastCleanupAt.Store(time.Now().UnixNano())
}

// IdleCount reports the number of idle workers currently held.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// OutstandingForks reports the in-flight spawn counter.
func (p *Pool) OutstandingForks() int64 {
	return p.outstandingForks.Load()
}

// Drain clears the idle list and resets outstanding forks, used when
// the forkit supervisor observes forkit's own death per §4.F
// "Reaping".
func (p *Pool) Drain() {
	p.mu.Lock()
	p.idle = nil
	p.mu.Unlock()
	p.outstandingForks.Store(0)
}
