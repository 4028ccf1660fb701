package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/loolwsd/wsd/internal/childpool"
	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/netio"
	"github.com/loolwsd/wsd/internal/wsproto"
)

// fakePoll runs Defer synchronously and records inserted/released
// handlers, matching the teacher's tests/fake/poller.go convention of
// a deterministic, non-goroutine poll double.
type fakePoll struct {
	mu       sync.Mutex
	inserted []iopoll.Handler
	released []iopoll.Handler
	stopped  bool
}

func (p *fakePoll) Name() string { return "fake" }
func (p *fakePoll) Run()         {}
func (p *fakePoll) Stop()        { p.mu.Lock(); p.stopped = true; p.mu.Unlock() }
func (p *fakePoll) InsertNewSocket(h iopoll.Handler) {
	p.mu.Lock()
	p.inserted = append(p.inserted, h)
	p.mu.Unlock()
}
func (p *fakePoll) ReleaseSocket(h iopoll.Handler) {
	p.mu.Lock()
	p.released = append(p.released, h)
	p.mu.Unlock()
}
func (p *fakePoll) Defer(fn func()) { fn() }
func (p *fakePoll) Wakeup()         {}
func (p *fakePoll) Len() int        { p.mu.Lock(); defer p.mu.Unlock(); return len(p.inserted) }

// fakeTransport is an in-memory netio.Transport double so Session
// tests never touch a real file descriptor.
type fakeTransport struct {
	mu     sync.Mutex
	in     []byte
	out    []byte
	closed bool
	sent   [][]byte

	closePending bool
}

func (f *fakeTransport) Fd() uintptr { return 0 }
func (f *fakeTransport) In() []byte  { f.mu.Lock(); defer f.mu.Unlock(); return f.in }
func (f *fakeTransport) Discard(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.in) {
		f.in = f.in[:0]
		return
	}
	f.in = f.in[n:]
}
func (f *fakeTransport) Enqueue(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.sent = append(f.sent, cp)
	f.out = append(f.out, p...)
}
func (f *fakeTransport) PollEvents() netio.PollEvents { return netio.EventRead }
func (f *fakeTransport) Close() error                 { f.closed = true; return nil }
func (f *fakeTransport) ServiceReadable() error       { return nil }
func (f *fakeTransport) ServiceWritable() error       { return nil }
func (f *fakeTransport) MarkClosePending()            { f.closePending = true }

func newBrokerForTest(t *testing.T) (*Broker, *fakeTransport, *fakePoll) {
	t.Helper()
	workerTransport := &fakeTransport{}
	child := &childpool.Child{PID: 1, Socket: nil}
	_ = child // child.Socket unused directly; worker conn built manually below

	b := &Broker{
		DocKey:         "doc1",
		PublicURI:      "https://example.test/file.odt",
		sessions:       make(map[string]*ClientSession),
		state:          StateCreated,
		lastActivity:   time.Now(),
		maxConcurrency: 4,
	}
	fp := &fakePoll{}
	b.Poll = fp
	b.workerConn = wsproto.NewConn(workerTransport, 0, b.handleWorkerMessage, b.onWorkerClosed)
	b.child = &childpool.Child{PID: 1}
	return b, workerTransport, fp
}

func TestBeginLoadSendsLoadCommand(t *testing.T) {
	b, wt, _ := newBrokerForTest(t)
	b.beginLoad()

	if b.State() != StateLoading {
		t.Fatalf("state = %v, want Loading", b.State())
	}
	if len(wt.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(wt.sent))
	}
}

func TestQueueSessionTriggersLoadOnFirstSession(t *testing.T) {
	b, wt, fp := newBrokerForTest(t)
	clientTransport := &fakeTransport{}
	sess := &ClientSession{
		ID:     b.NextSessionID(),
		Broker: b,
		Conn:   wsproto.NewConn(clientTransport, 0, func(wsproto.Opcode, []byte) {}, func() {}),
	}

	b.QueueSession(sess)

	if b.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", b.SessionCount())
	}
	if len(fp.inserted) != 1 {
		t.Fatalf("poll inserted %d handlers, want 1", len(fp.inserted))
	}
	if b.State() != StateLoading {
		t.Fatalf("state = %v, want Loading after first session", b.State())
	}
	if len(wt.sent) != 1 {
		t.Fatalf("worker should have received exactly one load command")
	}
}

func TestHandleWorkerStatusTransitionsToReady(t *testing.T) {
	b, _, _ := newBrokerForTest(t)
	b.state = StateLoading

	b.handleWorkerMessage(wsproto.OpText, []byte("status: type=text"))

	if b.State() != StateReady {
		t.Fatalf("state = %v, want Ready", b.State())
	}
}

func TestHandleWorkerMessageFansOutToAllSessions(t *testing.T) {
	b, _, _ := newBrokerForTest(t)
	b.state = StateReady

	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		ct := &fakeTransport{}
		transports = append(transports, ct)
		sess := &ClientSession{
			ID:   b.NextSessionID(),
			Conn: wsproto.NewConn(ct, 0, func(wsproto.Opcode, []byte) {}, func() {}),
		}
		b.sessions[sess.ID] = sess
	}

	b.handleWorkerMessage(wsproto.OpText, []byte("tile: part=0"))

	for i, ct := range transports {
		if len(ct.sent) != 1 {
			t.Fatalf("session %d received %d frames, want 1", i, len(ct.sent))
		}
	}
}

func TestDetachLastSessionBeginsClosing(t *testing.T) {
	b, _, _ := newBrokerForTest(t)
	b.state = StateReady
	sess := &ClientSession{ID: "s1", Conn: wsproto.NewConn(&fakeTransport{}, 0, func(wsproto.Opcode, []byte) {}, func() {})}
	b.sessions[sess.ID] = sess

	b.DetachSession(sess.ID)

	if b.State() != StateClosing {
		t.Fatalf("state = %v, want Closing once last session detaches", b.State())
	}
}

func TestBeginClosingNoopWithActiveSessionsUnlessMarked(t *testing.T) {
	b, _, _ := newBrokerForTest(t)
	b.state = StateReady
	sess := &ClientSession{ID: "s1", Conn: wsproto.NewConn(&fakeTransport{}, 0, func(wsproto.Opcode, []byte) {}, func() {})}
	b.sessions[sess.ID] = sess

	b.beginClosing()
	if b.State() != StateReady {
		t.Fatalf("state = %v, want still Ready with an active session", b.State())
	}

	b.MarkToDestroy()
	if b.State() != StateClosing {
		t.Fatalf("state = %v, want Closing once marked for destruction", b.State())
	}
}

func TestIdleTimeSecsReflectsElapsed(t *testing.T) {
	b, _, _ := newBrokerForTest(t)
	b.lastActivity = time.Now().Add(-10 * time.Second)
	if got := b.IdleTimeSecs(); got < 9.5 || got > 15 {
		t.Fatalf("IdleTimeSecs = %v, want ~10s", got)
	}
}
