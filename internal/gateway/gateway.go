// Package gateway implements Server Sockets & Factories (component J):
// the two accept loops, the socket factories that produce a
// netio.Socket or netio.TLSStream wired to the right initial handler,
// and the top-level Gateway context object that owns every other
// subsystem's lifecycle and the process-wide shutdown flags.
// Grounded on the teacher's server/hioload.go facade (New/Start/Stop/
// Shutdown lifecycle) and server/server.go's listener bring-up.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package gateway

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loolwsd/wsd/internal/admin"
	"github.com/loolwsd/wsd/internal/broker"
	"github.com/loolwsd/wsd/internal/childpool"
	"github.com/loolwsd/wsd/internal/config"
	"github.com/loolwsd/wsd/internal/httpdispatch"
	"github.com/loolwsd/wsd/internal/iopoll"
	"github.com/loolwsd/wsd/internal/logging"
	"github.com/loolwsd/wsd/internal/netio"
	"github.com/loolwsd/wsd/internal/trace"
)

// Gateway owns every subsystem's lifecycle and enforces the §9
// lock-ordering discipline (DocBrokers → pool → broker) by construction:
// Registry.FindOrCreate never holds its own lock while acquiring a
// worker or constructing a broker, so the two locks are never nested.
type Gateway struct {
	cfg       *config.Store
	log       *logging.Logger
	Registry  *broker.Registry
	Pool      *childpool.Pool
	forkit    *childpool.Forkit
	Admin     *admin.Model
	adminAuth *admin.Authenticator
	tracer    *trace.Recorder

	clientPoll iopoll.Poll
	adminPoll  iopoll.Poll
	workerPoll iopoll.Poll

	clientListener *net.TCPListener
	workerListener *net.TCPListener
	tlsConfig      *tls.Config

	shutdownRequested atomic.Bool
	shutdown          atomic.Bool
	terminated        atomic.Bool
}

// New assembles every subsystem from cfg but does not yet bind ports
// or start any reactor thread; call Start for that.
func New(cfg *config.Store) (*Gateway, error) {
	log := logging.New("gateway")
	logging.SetGlobalLevel(logging.ParseLevel(cfg.String("logging.level")))

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := trace.New(cfg)
	if err != nil {
		return nil, err
	}

	hmacKey := make([]byte, 32)
	if _, err := rand.Read(hmacKey); err != nil {
		return nil, fmt.Errorf("gateway: generate admin hmac key: %w", err)
	}
	auth, err := admin.NewAuthenticator(
		cfg.String("admin_console.username"),
		cfg.String("admin_console.password"),
		hmacKey,
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: admin authenticator: %w", err)
	}

	clientPoll, err := iopoll.New("client")
	if err != nil {
		return nil, fmt.Errorf("gateway: client poll: %w", err)
	}
	adminPoll, err := iopoll.New("admin")
	if err != nil {
		return nil, fmt.Errorf("gateway: admin poll: %w", err)
	}
	workerPoll, err := iopoll.New("worker-announce")
	if err != nil {
		return nil, fmt.Errorf("gateway: worker poll: %w", err)
	}

	registry := broker.NewRegistry(cfg.Int("max_documents", 20))

	// childpool.Pool and childpool.Forkit each need a reference to the
	// other at construction; forkitIndirect breaks the cycle by letting
	// Pool hold a stable ForkitPipe whose target is wired in afterward.
	indirect := &forkitIndirect{}
	pool := childpool.New(cfg.Int("num_prespawn_children", 4), indirect)
	forkit, err := childpool.NewForkit(cfg.String("forkit_path"), nil, pool)
	if err != nil {
		return nil, fmt.Errorf("gateway: launch forkit: %w", err)
	}
	indirect.set(forkit)

	g := &Gateway{
		cfg:        cfg,
		log:        log,
		Registry:   registry,
		Pool:       pool,
		forkit:     forkit,
		Admin:      admin.New(cfg.Int("admin_history_size", 50)),
		adminAuth:  auth,
		tracer:     tracer,
		clientPoll: clientPoll,
		adminPoll:  adminPoll,
		workerPoll: workerPoll,
		tlsConfig:  tlsConfig,
	}
	return g, nil
}

// newBroker acquires a worker from the pool and builds a Document
// Broker around it, the concrete implementation httpdispatch.Deps'
// NewBroker seam calls. Never called while Registry's own lock is
// held, since Registry.FindOrCreate always runs create() outside it.
func (g *Gateway) newBroker(docKey, publicURI string) (*broker.Broker, error) {
	child, err := g.Pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("gateway: acquire worker for %s: %w", docKey, err)
	}
	maxConcurrency := g.cfg.Int("per_document.max_concurrency", 4)
	b, err := broker.New(docKey, publicURI, child, maxConcurrency, func(dead *broker.Broker) {
		g.Pool.ReleaseAssignment()
		g.Registry.Remove(dead.DocKey)
		g.Admin.RemoveDocument(dead.DocKey, "")
	})
	if err != nil {
		g.Pool.ReleaseAssignment()
		return nil, err
	}
	g.Admin.AddDocument(docKey, child.PID, publicURI, b.NextSessionID(), 0)
	return b, nil
}

// deps builds the httpdispatch.Deps wiring every Gateway subsystem
// into the HTTP Dispatcher's seams.
func (g *Gateway) deps() *httpdispatch.Deps {
	return &httpdispatch.Deps{
		Config:               g.cfg,
		Admin:                g.Admin,
		AdminAuth:            g.adminAuth,
		Registry:             g.Registry,
		Pool:                 g.Pool,
		AdminPoll:            g.adminPoll,
		NewBroker:            g.newBroker,
		ServerName:           g.cfg.String("server_name"),
		FileServerRoot:       g.cfg.String("file_server_root_path"),
		LoleafletHTML:        g.cfg.String("loleaflet_html"),
		LoleafletVersionEtag: buildVersionEtag(),
	}
}

// Start binds both listening ports (auto-incrementing on EADDRINUSE)
// and starts every reactor thread plus the two accept-loop goroutines
// and the once-a-second housekeeping ticker.
func (g *Gateway) Start() error {
	clientPort := g.cfg.Int("client_port", 9980)
	ln, boundPort, err := listenWithRetry("", clientPort, g.log)
	if err != nil {
		return err
	}
	g.clientListener = ln
	if boundPort != clientPort {
		g.log.Warnf("client port %d unavailable, bound %d instead", clientPort, boundPort)
	}

	workerPort := g.cfg.Int("worker_port", 9981)
	wln, boundWorkerPort, err := listenWithRetry("127.0.0.1", workerPort, g.log)
	if err != nil {
		ln.Close()
		return err
	}
	g.workerListener = wln
	if boundWorkerPort != workerPort {
		g.log.Warnf("worker port %d unavailable, bound %d instead", workerPort, boundWorkerPort)
	}

	go g.clientPoll.Run()
	go g.adminPoll.Run()
	go g.workerPoll.Run()

	deps := g.deps()
	go acceptLoop(g.clientListener, g.log, func(sock *netio.Socket) {
		var transport netio.Transport = sock
		if g.tlsConfig != nil {
			transport = netio.NewTLSStream(sock, g.tlsConfig, true)
		}
		d := httpdispatch.New(transport, g.clientPoll, deps)
		g.clientPoll.InsertNewSocket(d)
	})
	go acceptLoop(g.workerListener, g.log, func(sock *netio.Socket) {
		h := newAnnounceHandler(sock, g.workerPoll, g.Pool, g.log)
		g.workerPoll.InsertNewSocket(h)
	})

	// Housekeeping ticker: periodic prespawn and per-broker Tick.
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for !g.terminated.Load() {
			<-t.C
			g.Pool.Prespawn()
			g.Registry.ForEach(func(b *broker.Broker) { b.Poll.Defer(b.Tick) })
		}
	}()

	g.log.Infof("gateway listening: client=%d worker=%d", boundPort, boundWorkerPort)
	return nil
}

// RequestShutdown flips ShutdownRequestFlag, the first of the three
// process-wide cancellation flags (§5 "Cancellation"), typically
// called from a SIGINT/SIGTERM handler.
func (g *Gateway) RequestShutdown() {
	g.shutdownRequested.Store(true)
}

// Shutdown flips ShutdownFlag, broadcasts a close frame to every
// broker's sessions, and waits up to grace for workers to finish
// saving before forcing a hard stop.
func (g *Gateway) Shutdown(grace time.Duration) {
	g.shutdown.Store(true)
	g.Registry.ForEach(func(b *broker.Broker) {
		b.MarkToDestroy()
	})

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if g.Registry.Count() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	g.Terminate()
}

// Terminate flips TerminationFlag and force-stops both listeners, the
// client, admin and worker-announce polls, forkit supervision and the
// tracer, the hard-stop path of §5 "Cancellation". Broker polls are not
// stopped here; each stops when its broker reaches Dead.
func (g *Gateway) Terminate() {
	if !g.terminated.CompareAndSwap(false, true) {
		return
	}
	if g.clientListener != nil {
		g.clientListener.Close()
	}
	if g.workerListener != nil {
		g.workerListener.Close()
	}
	g.clientPoll.Stop()
	g.adminPoll.Stop()
	g.workerPoll.Stop()
	g.forkit.Stop()
	g.tracer.Close()
}

// ShutdownRequested reports whether RequestShutdown has been called.
func (g *Gateway) ShutdownRequested() bool { return g.shutdownRequested.Load() }

// Terminated reports whether Terminate has completed.
func (g *Gateway) Terminated() bool { return g.terminated.Load() }

// buildVersionEtag derives a stable cache-busting token for loleaflet
// static assets. A real deployment stamps this at build time; absent
// that, the process start time is stable for the life of one run.
func buildVersionEtag() string {
	return fmt.Sprintf("%x", startTime.UnixNano())
}

var startTime = time.Now()

// forkitIndirect satisfies childpool.ForkitPipe with a target that can
// be assigned after construction, breaking the Pool/Forkit
// constructor cycle (each needs a reference to the other).
type forkitIndirect struct {
	mu sync.Mutex
	f  *childpool.Forkit
}

func (fi *forkitIndirect) set(f *childpool.Forkit) {
	fi.mu.Lock()
	fi.f = f
	fi.mu.Unlock()
}

func (fi *forkitIndirect) RequestSpawn(n int) error {
	fi.mu.Lock()
	f := fi.f
	fi.mu.Unlock()
	if f == nil {
		return fmt.Errorf("gateway: forkit not ready yet")
	}
	return f.RequestSpawn(n)
}
