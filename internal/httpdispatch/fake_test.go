package httpdispatch

import (
	"sync"

	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/netio"
)

// fakeTransport is an in-memory netio.Transport double, matching the
// teacher's tests/fake/transport.go convention of a hand-written
// fake rather than a mocking library.
type fakeTransport struct {
	mu           sync.Mutex
	in           []byte
	sent         [][]byte
	closed       bool
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
	f.sent = append(f.sent, append([]byte(nil), p...))
}
func (f *fakeTransport) PollEvents() netio.PollEvents { return netio.EventRead }
func (f *fakeTransport) Close() error                 { f.closed = true; return nil }
func (f *fakeTransport) ServiceReadable() error        { return nil }
func (f *fakeTransport) ServiceWritable() error         { return nil }
func (f *fakeTransport) MarkClosePending()              { f.closePending = true }

func (f *fakeTransport) allSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, p := range f.sent {
		out = append(out, p...)
	}
	return out
}

func (f *fakeTransport) feed(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, data...)
}

// fakePoll runs Defer synchronously and records insert/release calls.
type fakePoll struct {
	mu       sync.Mutex
	inserted []iopoll.Handler
	released []iopoll.Handler
}

func (p *fakePoll) Name() string { return "fake" }
func (p *fakePoll) Run()         {}
func (p *fakePoll) Stop()        {}
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
