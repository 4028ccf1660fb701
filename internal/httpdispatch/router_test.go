package httpdispatch

import (
	"strings"
	"testing"

	"github.com/loolwsd/wsd/internal/admin"
	"github.com/loolwsd/wsd/internal/broker"
)

func TestWsUpgradeRejectedAtAdmissionLimit(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Registry = broker.NewRegistry(0)
	deps.NewBroker = func(docKey, publicURI string) (*broker.Broker, error) {
		t.Fatalf("NewBroker should not be called once admission is full")
		return nil, nil
	}

	tr := &fakeTransport{}
	pl := &fakePoll{}
	d := New(tr, pl, deps)

	req := "GET /lool/http%3A%2F%2Fx%2Fa.odt/ws HTTP/1.1\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	tr.feed(req)
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := string(tr.allSent())
	if !strings.HasPrefix(out, "HTTP/1.1 101") {
		t.Fatalf("expected a completed handshake before the limit close, got %q", out)
	}
	if !tr.closePending {
		t.Fatalf("expected connection marked for close after limit-reached")
	}
	if len(pl.released) != 0 {
		t.Fatalf("dispatcher should not be released from its poll on a rejected upgrade")
	}
}

func TestWsUpgradeRejectedAtConnectionLimit(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Config.Set(map[string]string{"max_connections": "0"})
	deps.Registry = broker.NewRegistry(10)
	deps.NewBroker = func(docKey, publicURI string) (*broker.Broker, error) {
		t.Fatalf("NewBroker should not be called once the connection limit is full")
		return nil, nil
	}

	tr := &fakeTransport{}
	pl := &fakePoll{}
	d := New(tr, pl, deps)

	req := "GET /lool/http%3A%2F%2Fx%2Fa.odt/ws HTTP/1.1\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	tr.feed(req)
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := string(tr.allSent())
	if !strings.HasPrefix(out, "HTTP/1.1 101") {
		t.Fatalf("expected a completed handshake before the limit close, got %q", out)
	}
	if !tr.closePending {
		t.Fatalf("expected connection marked for close after limit-reached")
	}
}

func TestAdmitConnectionReleasesSlotOnRejection(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Config.Set(map[string]string{"max_connections": "1"})

	if !deps.admitConnection() {
		t.Fatalf("expected the first connection to be admitted")
	}
	if deps.admitConnection() {
		t.Fatalf("expected the second connection to be rejected at max_connections=1")
	}
	deps.releaseConnection()
	if !deps.admitConnection() {
		t.Fatalf("expected a freed slot to admit a new connection")
	}
}

func TestAdminChallengeWithoutCredentials(t *testing.T) {
	deps, root := newTestDeps(t)
	_ = root
	tr := &fakeTransport{}
	d := New(tr, &fakePoll{}, deps)

	auth, err := admin.NewAuthenticator("admin", "s3cret", []byte("key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deps.AdminAuth = auth

	tr.feed("GET /loleaflet/dist/admin/admin.html HTTP/1.1\r\nHost: h\r\n\r\n")
	if err := d.OnReadable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := string(tr.allSent())
	if !strings.HasPrefix(out, "HTTP/1.1 401") {
		t.Fatalf("expected 401 challenge, got %q", out)
	}
	if !strings.Contains(out, `WWW-Authenticate: Basic realm="online"`) {
		t.Fatalf("missing WWW-Authenticate header: %q", out)
	}
}
