package httpdispatch

import "testing"

func TestDeriveDocKeyStripsTrailingSlash(t *testing.T) {
	a, err := DeriveDocKey("https://example.test/docs/a.odt/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := DeriveDocKey("https://example.test/docs/a.odt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected trailing-slash variants to share a docKey: %q vs %q", a, b)
	}
}

func TestDeriveDocKeyDistinctForDifferentPaths(t *testing.T) {
	a, _ := DeriveDocKey("https://example.test/a.odt")
	b, _ := DeriveDocKey("https://example.test/b.odt")
	if a == b {
		t.Fatalf("expected distinct docKeys for distinct documents")
	}
}
