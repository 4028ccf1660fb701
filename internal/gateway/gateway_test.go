package gateway

import (
	"net"
	"testing"

	"github.com/loolwsd/wsd/internal/config"
	"github.com/loolwsd/wsd/internal/logging"
)

func TestForkitIndirectErrorsBeforeSet(t *testing.T) {
	fi := &forkitIndirect{}
	if err := fi.RequestSpawn(2); err == nil {
		t.Fatalf("expected an error before set() is called")
	}
}

func TestBuildTLSConfigReturnsNilWhenDisabled(t *testing.T) {
	cfg := config.New()
	tcfg, err := buildTLSConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tcfg != nil {
		t.Fatalf("expected nil TLS config when ssl.enable is false")
	}
}

func TestBuildTLSConfigRequiresCertAndKeyWhenEnabled(t *testing.T) {
	cfg := config.New()
	cfg.Set(map[string]string{"ssl.enable": "true"})
	if _, err := buildTLSConfig(cfg); err == nil {
		t.Fatalf("expected an error when cert/key paths are unset")
	}
}

func TestListenWithRetrySkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("setup listener: %v", err)
	}
	defer busy.Close()

	port := busy.Addr().(*net.TCPAddr).Port
	log := logging.New("test")

	ln, bound, err := listenWithRetry("127.0.0.1", port, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()

	if bound == port {
		t.Fatalf("expected a port other than the busy one, got %d", bound)
	}
	if bound <= port {
		t.Fatalf("expected the retry to move forward from %d, got %d", port, bound)
	}
}
