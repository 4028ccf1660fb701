// Package broker implements the Document Broker (component H): a
// per-document actor owning one worker and N client sessions, running
// on its own dedicated Socket Poll thread per §4.H.
// Grounded on the teacher's internal/session/session.go (cancellation
// + deadline shape, reused for ClientSession) and
// internal/session/store.go (sharded map, specialized here to the
// single mutex-guarded docKey map §3 calls for).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package broker

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loolwsd/wsd/internal/childpool"
	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/logging"
	"github.com/loolwsd/wsd/internal/wsproto"
)

// State is the broker's lifecycle stage per §4.H.
type State int

const (
	StateCreated State = iota
	StateLoading
	StateReady
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateDead:
		return "Dead"
	default:
		return "Created"
	}
}

// IdleThreshold is the idle-views duration that makes a broker
// eligible for termination with reason "idle" (§4.H, GLOSSARY).
const IdleThreshold = 3600 * time.Second

// CloseGrace bounds how long Closing waits for an unsaved-changes
// save to complete before a hard Dead transition (§4.H).
const CloseGrace = 15 * time.Second

// ClientSession is one browser connection attached to a Broker, per
// §3 "Client Session".
type ClientSession struct {
	ID       string
	Broker   *Broker
	ReadOnly bool
	Conn     *wsproto.Conn
}

// Broker coordinates one worker child process and its client sessions
// on a dedicated poll thread; all state below is mutated only on that
// thread except where guarded by mu.
type Broker struct {
	DocKey    string
	PublicURI string
	JailID    string

	child *childpool.Child
	Poll  iopoll.Poll
	log   *logging.Logger

	mu              sync.Mutex
	sessions        map[string]*ClientSession
	state           State
	markedToDestroy bool
	lastActivity    time.Time
	closingSince    time.Time

	maxConcurrency int
	workerConn     *wsproto.Conn

	onDead func(*Broker)

	// convertObserver, when set, receives every worker message verbatim
	// in addition to the normal client fan-out — the hook the
	// convert-to HTTP flow uses to drive an ephemeral, session-less
	// broker through load -> saveas without a browser attached.
	convertObserver func(msg string)
}

// SetConvertObserver installs a worker-message observer for an
// ephemeral, session-less conversion broker. Must be set before the
// first session/load is queued.
func (b *Broker) SetConvertObserver(fn func(msg string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convertObserver = fn
}

// TriggerLoad starts the Created->Loading transition for brokers that
// have no client session to trigger it automatically (the convert-to
// flow). Safe to call from any goroutine.
func (b *Broker) TriggerLoad() {
	b.Poll.Defer(b.beginLoad)
}

// SendCommand enqueues an arbitrary worker command (e.g. "saveas
// format=pdf") from any goroutine, routed through Defer so it only
// ever touches the worker connection on the broker's own thread.
func (b *Broker) SendCommand(cmd string) {
	b.Poll.Defer(func() { b.sendToWorker(cmd) })
}

// New creates a Broker around an already-acquired worker Child and
// starts its dedicated poll thread. The broker is not yet published
// to a registry — the caller does that once construction succeeds,
// per the open question in §9 about convert-flow cleanup.
func New(docKey, publicURI string, child *childpool.Child, maxConcurrency int, onDead func(*Broker)) (*Broker, error) {
	poll, err := iopoll.New("broker:" + docKey)
	if err != nil {
		return nil, fmt.Errorf("broker: create poll: %w", err)
	}
	b := &Broker{
		DocKey:         docKey,
		PublicURI:      publicURI,
		child:          child,
		Poll:           poll,
		log:            logging.New("broker." + docKey),
		sessions:       make(map[string]*ClientSession),
		state:          StateCreated,
		lastActivity:   time.Now(),
		maxConcurrency: maxConcurrency,
		onDead:         onDead,
	}
	b.workerConn = wsproto.NewConn(child.Socket, 0, b.handleWorkerMessage, b.onWorkerClosed)
	poll.InsertNewSocket(b.workerConn)
	go poll.Run()
	return b, nil
}

// sessionSeq is the process-wide counter behind NextSessionID.
var sessionSeq atomic.Int64

// NextSessionID returns a process-monotonic session identifier.
func (b *Broker) NextSessionID() string {
	return fmt.Sprintf("%s-%d", b.DocKey, sessionSeq.Add(1))
}

// QueueSession is the handoff point (§4.H): the dispatcher thread has
// already migrated the client socket out of the acceptor poll; this
// registers the session on the broker's own poll and wakes it.
func (b *Broker) QueueSession(sess *ClientSession) {
	b.mu.Lock()
	b.sessions[sess.ID] = sess
	count := len(b.sessions)
	b.lastActivity = time.Now()
	b.mu.Unlock()

	b.Poll.InsertNewSocket(sess.Conn)

	if count == 1 {
		b.Poll.Defer(b.beginLoad)
	}
}

// DetachSession removes a client session, transitioning to Closing
// once none remain.
func (b *Broker) DetachSession(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	empty := len(b.sessions) == 0
	b.mu.Unlock()
	if empty {
		b.Poll.Defer(b.beginClosing)
	}
}

// MarkToDestroy requests termination once sessions allow it.
func (b *Broker) MarkToDestroy() {
	b.mu.Lock()
	b.markedToDestroy = true
	b.mu.Unlock()
	b.Poll.Defer(b.beginClosing)
}

// State returns the current lifecycle stage.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionCount reports the number of attached client sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// IdleTimeSecs reports seconds since the last activity on this
// document, the input to §4.H's idle-termination check.
func (b *Broker) IdleTimeSecs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastActivity).Seconds()
}

// beginLoad runs on the broker's own poll thread: Created -> Loading,
// sending the worker a "load url=..." command.
func (b *Broker) beginLoad() {
	b.mu.Lock()
	if b.state != StateCreated {
		b.mu.Unlock()
		return
	}
	b.state = StateLoading
	b.mu.Unlock()
	b.sendToWorker(fmt.Sprintf("load url=%s", url.QueryEscape(b.PublicURI)))
}

// beginClosing runs on the broker's own poll thread and implements
// the Any->Closing transitions of §4.H.
func (b *Broker) beginClosing() {
	b.mu.Lock()
	if b.state == StateClosing || b.state == StateDead {
		b.mu.Unlock()
		return
	}
	empty := len(b.sessions) == 0
	marked := b.markedToDestroy
	if !empty && !marked {
		b.mu.Unlock()
		return
	}
	b.state = StateClosing
	b.closingSince = time.Now()
	b.mu.Unlock()

	for _, sess := range b.snapshotSessions() {
		sess.Conn.Session.Shutdown(wsproto.CloseGoingAway)
	}
}

// Tick is invoked periodically (by the gateway's housekeeping ticker)
// to detect idle documents and Closing->Dead grace expiry. Must be
// called via Poll.Defer to run on the broker's own thread.
func (b *Broker) Tick() {
	b.mu.Lock()
	state := b.state
	idleSecs := time.Since(b.lastActivity).Seconds()
	closingElapsed := !b.closingSince.IsZero() && time.Since(b.closingSince) > CloseGrace
	b.mu.Unlock()

	if state == StateReady && idleSecs >= IdleThreshold.Seconds() {
		b.terminateWorker("idle")
		b.MarkToDestroy()
		return
	}
	if state == StateClosing && closingElapsed {
		b.toDead()
	}
}

func (b *Broker) terminateWorker(reason string) {
	b.sendToWorker(fmt.Sprintf("terminate reason=%s", reason))
}

func (b *Broker) toDead() {
	b.mu.Lock()
	if b.state == StateDead {
		b.mu.Unlock()
		return
	}
	b.state = StateDead
	b.mu.Unlock()

	b.child.Destroy()
	b.Poll.Stop()
	if b.onDead != nil {
		b.onDead(b)
	}
}

// onWorkerClosed runs when the worker's connection drops: it shuts down
// every client session with close code 1001 (going away) and moves the
// broker straight to Dead, without a Closing grace period.
func (b *Broker) onWorkerClosed() {
	for _, sess := range b.snapshotSessions() {
		sess.Conn.Session.Shutdown(wsproto.CloseGoingAway)
	}
	b.toDead()
}

func (b *Broker) snapshotSessions() []*ClientSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ClientSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// sendToWorker enqueues a command frame to the worker connection. Must
// only be called on the broker's own poll thread (directly from
// beginLoad/Tick, which already run there via Defer).
func (b *Broker) sendToWorker(cmd string) {
	b.workerConn.Session.SendFrame([]byte(cmd), wsproto.OpText)
}

// handleWorkerMessage processes one reassembled message from the
// worker: status updates flip Loading->Ready; everything else is
// routed back to the originating client session, per §6's worker
// protocol table. Runs on the broker's poll thread.
func (b *Broker) handleWorkerMessage(_ wsproto.Opcode, payload []byte) {
	msg := string(payload)
	b.mu.Lock()
	b.lastActivity = time.Now()
	if len(msg) >= 7 && msg[:7] == "status:" && b.state == StateLoading {
		b.state = StateReady
	}
	sessions := make([]*ClientSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	observer := b.convertObserver
	b.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Session.SendFrame(payload, wsproto.OpText)
	}
	if observer != nil {
		observer(msg)
	}
}
