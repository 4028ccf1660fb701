package broker

import (
	"sync"

	"github.com/loolwsd/wsd/internal/wsderr"
)

// Registry is the global docKey -> Broker map with admission control,
// per §3 "MAX_DOCUMENTS" and §4.H's find-or-create contract. Grounded
// on the teacher's internal/session/store.go sharded map, specialized
// to a single mutex since brokers (unlike sessions) are identified by
// a stable external key that callers must find-or-create atomically.
type Registry struct {
	mu      sync.Mutex
	brokers map[string]*Broker
	maxDocs int
}

// NewRegistry creates an empty registry admitting at most maxDocs
// concurrent documents.
func NewRegistry(maxDocs int) *Registry {
	return &Registry{
		brokers: make(map[string]*Broker),
		maxDocs: maxDocs,
	}
}

// Get returns the broker for docKey, if one is already registered.
func (r *Registry) Get(docKey string) (*Broker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[docKey]
	return b, ok
}

// FindOrCreate returns the existing broker for docKey, or calls create
// to build a new one. create runs outside the registry lock; when two
// first-session-for-this-document requests race, the first to publish
// wins and the loser's broker is discarded with MarkToDestroy, so only
// one broker is ever published per docKey. Per the DESIGN.md open-question decision,
// the new broker is published into the map only after create succeeds,
// so a construction failure never leaks a half-built entry.
func (r *Registry) FindOrCreate(docKey string, create func() (*Broker, error)) (*Broker, error) {
	r.mu.Lock()
	if b, ok := r.brokers[docKey]; ok {
		r.mu.Unlock()
		return b, nil
	}
	if len(r.brokers) >= r.maxDocs {
		r.mu.Unlock()
		return nil, wsderr.New(wsderr.CodeAdmissionLimit, "registry: maximum concurrent documents reached")
	}
	r.mu.Unlock()

	b, err := create()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.brokers[docKey]; ok {
		// Lost the race: another caller published first while we were
		// constructing. Discard ours and use theirs.
		r.mu.Unlock()
		b.MarkToDestroy()
		return existing, nil
	}
	r.brokers[docKey] = b
	r.mu.Unlock()
	return b, nil
}

// Remove drops docKey from the map, called once a Broker reaches
// StateDead.
func (r *Registry) Remove(docKey string) {
	r.mu.Lock()
	delete(r.brokers, docKey)
	r.mu.Unlock()
}

// Count reports the number of currently registered documents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.brokers)
}

// ForEach invokes fn for a snapshot of the currently registered
// brokers, used by the housekeeping ticker and admin queries.
func (r *Registry) ForEach(fn func(*Broker)) {
	r.mu.Lock()
	snapshot := make([]*Broker, 0, len(r.brokers))
	for _, b := range r.brokers {
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()
	for _, b := range snapshot {
		fn(b)
	}
}
