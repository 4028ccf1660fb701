package broker

import (
	"testing"

	"github.com/loolwsd/wsd/internal/wsderr"
)

func TestFindOrCreateReusesExisting(t *testing.T) {
	r := NewRegistry(2)
	calls := 0
	create := func() (*Broker, error) {
		calls++
		return &Broker{DocKey: "doc1", sessions: make(map[string]*ClientSession)}, nil
	}

	b1, err := r.FindOrCreate("doc1", create)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := r.FindOrCreate("doc1", create)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("expected same broker instance on second call")
	}
	if calls != 1 {
		t.Fatalf("create called %d times, want 1", calls)
	}
}

func TestFindOrCreateRejectsOverAdmissionLimit(t *testing.T) {
	r := NewRegistry(1)
	create := func(key string) func() (*Broker, error) {
		return func() (*Broker, error) {
			return &Broker{DocKey: key, sessions: make(map[string]*ClientSession)}, nil
		}
	}

	if _, err := r.FindOrCreate("doc1", create("doc1")); err != nil {
		t.Fatalf("unexpected error admitting first document: %v", err)
	}

	_, err := r.FindOrCreate("doc2", create("doc2"))
	if !wsderr.Is(err, wsderr.CodeAdmissionLimit) {
		t.Fatalf("err = %v, want CodeAdmissionLimit", err)
	}
}

func TestRemoveDropsFromMap(t *testing.T) {
	r := NewRegistry(5)
	_, _ = r.FindOrCreate("doc1", func() (*Broker, error) {
		return &Broker{DocKey: "doc1", sessions: make(map[string]*ClientSession)}, nil
	})
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
	r.Remove("doc1")
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0 after remove", r.Count())
	}
	if _, ok := r.Get("doc1"); ok {
		t.Fatalf("expected doc1 to be gone")
	}
}

func TestForEachVisitsAllBrokers(t *testing.T) {
	r := NewRegistry(5)
	for _, key := range []string{"a", "b", "c"} {
		k := key
		_, _ = r.FindOrCreate(k, func() (*Broker, error) {
			return &Broker{DocKey: k, sessions: make(map[string]*ClientSession)}, nil
		})
	}
	seen := map[string]bool{}
	r.ForEach(func(b *Broker) { seen[b.DocKey] = true })
	for _, key := range []string{"a", "b", "c"} {
		if !seen[key] {
			t.Fatalf("ForEach missed %q", key)
		}
	}
}
