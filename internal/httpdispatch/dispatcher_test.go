package httpdispatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loolwsd/wsd/internal/config"
)

func newTestDeps(t *testing.T) (*Deps, string) {
	t.Helper()
	root := t.TempDir()
	return &Deps{
		Config:         config.New(),
		FileServerRoot: root,
		ServerName:     "example.test",
	}, root
}

func TestDispatcherServesRootAndClosesConnection(t *testing.T) {
	deps, _ := newTestDeps(t)
	tr := &fakeTransport{}
	pl := &fakePoll{}
	d := New(tr, pl, deps)

	tr.feed("GET / HTTP/1.1\r\nHost: example.test\r\n\r\n")
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := string(tr.allSent())
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK") {
		t.Fatalf("response = %q, want 200 OK", out)
	}
	if !tr.closePending {
		t.Fatalf("expected connection to be marked for close after serving /")
	}
}

func TestDispatcherReturns400OnUnknownPath(t *testing.T) {
	deps, _ := newTestDeps(t)
	tr := &fakeTransport{}
	d := New(tr, &fakePoll{}, deps)

	tr.feed("GET /nonsense HTTP/1.1\r\nHost: h\r\n\r\n")
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := string(tr.allSent())
	if !strings.HasPrefix(out, "HTTP/1.1 400") {
		t.Fatalf("response = %q, want 400", out)
	}
}

func TestDispatcherWaitsForMoreBytes(t *testing.T) {
	deps, _ := newTestDeps(t)
	tr := &fakeTransport{}
	d := New(tr, &fakePoll{}, deps)

	tr.feed("GET / HTTP/1.1\r\nHost: h")
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("should not respond before headers complete")
	}
}

func TestServeStaticHonorsETag(t *testing.T) {
	deps, root := newTestDeps(t)
	_ = deps
	if err := os.WriteFile(filepath.Join(root, "loleaflet.html"), []byte("<html>%ACCESS_TOKEN%</html>"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	tr := &fakeTransport{}
	d := New(tr, &fakePoll{}, &Deps{FileServerRoot: root, LoleafletVersionEtag: "abc123", ServerName: "h"})

	tr.feed("GET /loleaflet/abc123/loleaflet.html HTTP/1.1\r\nHost: h\r\n\r\n")
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := string(tr.allSent())
	if !strings.Contains(out, `ETag: "abc123"`) {
		t.Fatalf("response missing ETag header: %q", out)
	}
	if strings.Contains(out, "%ACCESS_TOKEN%") {
		t.Fatalf("expected %%ACCESS_TOKEN%% to be substituted: %q", out)
	}
}

func TestServeStaticConditionalGetReturns304(t *testing.T) {
	_, root := newTestDeps(t)
	os.WriteFile(filepath.Join(root, "loleaflet.html"), []byte("<html></html>"), 0o644)
	tr := &fakeTransport{}
	d := New(tr, &fakePoll{}, &Deps{FileServerRoot: root, LoleafletVersionEtag: "abc123", ServerName: "h"})

	tr.feed("GET /loleaflet/abc123/loleaflet.html HTTP/1.1\r\nHost: h\r\nIf-None-Match: \"abc123\"\r\n\r\n")
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := string(tr.allSent())
	if !strings.HasPrefix(out, "HTTP/1.1 304") {
		t.Fatalf("response = %q, want 304", out)
	}
}
