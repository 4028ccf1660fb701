package admin

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loolwsd/wsd/internal/logging"
)

// Subscriber is a connected admin console holding a weak reference to
// its outbound sender and the set of message prefixes it wants,
// matching §4.I's "set of event prefixes" contract.
type Subscriber struct {
	ID       string
	Send     func(msg string)
	prefixes map[string]bool
}

// Wants reports whether msg's leading token matches a subscribed
// prefix (or the subscriber asked for everything via "*").
func (s *Subscriber) Wants(msg string) bool {
	if len(s.prefixes) == 0 || s.prefixes["*"] {
		return true
	}
	token := msg
	if i := strings.IndexByte(msg, ' '); i >= 0 {
		token = msg[:i]
	}
	return s.prefixes[token]
}

// Model is the pure in-memory admin reflector of §4.I: document
// table, subscriber broadcast, and CPU/memory history. Grounded on
// control/metrics.go's registry shape (here specialized from a flat
// any-typed map to strongly typed per-document records) and
// control/debug.go's probe/dump pattern for query().
type Model struct {
	mu          sync.Mutex
	documents   map[string]*DocStats
	subscribers map[string]*Subscriber

	mem *History
	cpu *History

	log *logging.Logger
}

// New creates an Model with CPU/memory history capped at historySize
// samples each.
func New(historySize int) *Model {
	return &Model{
		documents:   make(map[string]*DocStats),
		subscribers: make(map[string]*Subscriber),
		mem:         NewHistory(historySize),
		cpu:         NewHistory(historySize),
		log:         logging.New("admin"),
	}
}

// Subscribe registers sub, keyed by its ID, replacing any prior
// subscriber with the same ID (idempotent subscribe per §8).
func (m *Model) Subscribe(id string, send func(string), prefixes []string) *Subscriber {
	set := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		set[p] = true
	}
	sub := &Subscriber{ID: id, Send: send, prefixes: set}
	m.mu.Lock()
	m.subscribers[id] = sub
	m.mu.Unlock()
	return sub
}

// Unsubscribe drops subscriber id.
func (m *Model) Unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subscribers, id)
	m.mu.Unlock()
}

// broadcast delivers msg to every subscriber whose prefix set
// matches, removing any subscriber whose Send panics or is nil — the
// "dead back-reference" case §4.I calls for.
func (m *Model) broadcast(msg string) {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if !s.Wants(msg) {
			continue
		}
		m.sendBestEffort(s, msg)
	}
}

func (m *Model) sendBestEffort(s *Subscriber, msg string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warnf("subscriber %s panicked, removing: %v", s.ID, r)
			m.Unsubscribe(s.ID)
		}
	}()
	if s.Send == nil {
		m.Unsubscribe(s.ID)
		return
	}
	s.Send(msg)
}

// AddDocument registers a newly opened document view and emits
// "adddoc <pid> <enc-filename> <sessionId> <mem-estimate>".
func (m *Model) AddDocument(docKey string, pid int, filename, sessionID string, memEstimate int64) {
	m.mu.Lock()
	stats, ok := m.documents[docKey]
	if !ok {
		stats = &DocStats{DocKey: docKey, PID: pid, Memory: NewHistory(m.mem.capacity)}
		m.documents[docKey] = stats
	}
	stats.Views++
	m.mu.Unlock()

	m.broadcast(fmt.Sprintf("adddoc %d %s %s %d", pid, url.QueryEscape(filename), sessionID, memEstimate))
}

// RemoveDocument decrements docKey's view count and emits
// "rmdoc <pid> <sessionId>"; once views reach zero the document is
// erased, matching the invariant that a zero-view document is always
// either erased or marked expired.
func (m *Model) RemoveDocument(docKey, sessionID string) {
	m.mu.Lock()
	stats, ok := m.documents[docKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	stats.Views--
	pid := stats.PID
	empty := stats.Views <= 0
	if empty {
		delete(m.documents, docKey)
	}
	m.mu.Unlock()

	m.broadcast(fmt.Sprintf("rmdoc %d %s", pid, sessionID))
}

// AddMemStats pushes a memory-usage sample and emits "mem_stats <u>".
func (m *Model) AddMemStats(u float64) {
	m.mem.Add(Sample{UnixNano: nowFunc(), Value: u})
	m.broadcast(fmt.Sprintf("mem_stats %d", int64(u)))
}

// AddCpuStats pushes a CPU-usage sample and emits "cpu_stats <u>".
func (m *Model) AddCpuStats(u float64) {
	m.cpu.Add(Sample{UnixNano: nowFunc(), Value: u})
	m.broadcast(fmt.Sprintf("cpu_stats %d", int64(u)))
}

// UpdateMemoryDirty flips a document's dirty flag, emitting
// "propchange <pid> mem <dirty>" only when the value actually
// changed, per §4.I.
func (m *Model) UpdateMemoryDirty(docKey string, dirty bool) {
	m.mu.Lock()
	stats, ok := m.documents[docKey]
	if !ok || stats.MemoryDirty == dirty {
		m.mu.Unlock()
		return
	}
	stats.MemoryDirty = dirty
	pid := stats.PID
	m.mu.Unlock()

	m.broadcast(fmt.Sprintf("propchange %d mem %t", pid, dirty))
}

// Query answers one synchronous admin command per §4.I's token table.
func (m *Model) Query(cmd string) string {
	switch cmd {
	case "documents":
		return m.queryDocuments()
	case "active_users_count":
		return fmt.Sprintf("%d", m.activeUsersCount())
	case "active_docs_count":
		return fmt.Sprintf("%d", m.activeDocsCount())
	case "mem_stats":
		return formatHistory(m.mem.Snapshot())
	case "mem_stats_size":
		return fmt.Sprintf("%d", m.mem.capacity)
	case "cpu_stats":
		return formatHistory(m.cpu.Snapshot())
	case "cpu_stats_size":
		return fmt.Sprintf("%d", m.cpu.capacity)
	default:
		return ""
	}
}

func (m *Model) queryDocuments() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, d := range m.documents {
		fmt.Fprintf(&b, "%d %s %d %t %.0f %.0f\n",
			d.PID, url.QueryEscape(d.DocKey), d.Views, d.MemoryDirty, 0.0, d.IdleSeconds)
	}
	return b.String()
}

func (m *Model) activeUsersCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.documents {
		n += d.Views
	}
	return n
}

func (m *Model) activeDocsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.documents)
}

func formatHistory(samples []Sample) string {
	parts := make([]string, len(samples))
	for i, s := range samples {
		parts[i] = fmt.Sprintf("%.0f", s.Value)
	}
	return strings.Join(parts, ",")
}

// nowFunc is overridable in tests needing deterministic timestamps.
var nowFunc = func() int64 { return time.Now().UnixNano() }
