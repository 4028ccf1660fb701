package httpdispatch

import (
	"sync/atomic"

	"github.com/loolwsd/wsd/internal/admin"
	"github.com/loolwsd/wsd/internal/broker"
	"github.com/loolwsd/wsd/internal/childpool"
	"github.com/loolwsd/wsd/internal/config"
	"github.com/loolwsd/wsd/internal/iopoll"
)

// Deps bundles the dispatcher's collaborators, assembled once at
// gateway startup and shared read-only across every Dispatcher
// instance (one per accepted client connection).
type Deps struct {
	Config    *config.Store
	Admin     *admin.Model
	AdminAuth *admin.Authenticator
	Registry  *broker.Registry
	Pool      *childpool.Pool

	// AdminPoll is the dedicated reactor the admin WebSocket channel
	// runs on, distinct from any document broker's poll.
	AdminPoll iopoll.Poll

	// NewBroker constructs a Broker for docKey/publicURI, acquiring a
	// worker from Pool. Assigned by the gateway wiring layer so
	// httpdispatch never imports the concrete worker-acquisition path
	// directly (kept here as a seam for the ephemeral convert-to flow,
	// which builds a Broker the same way a client upgrade would but
	// never publishes it to Registry).
	NewBroker func(docKey, publicURI string) (*broker.Broker, error)

	ServerName           string
	FileServerRoot       string
	LoleafletHTML        string
	LoleafletVersionEtag string

	// connections counts currently-upgraded WebSocket connections
	// (document + admin together), shared process-wide across every
	// Dispatcher since they all hold the same *Deps. Enforced against
	// max_connections by upgradeDocument/upgradeAdmin per §8's
	// admission-control boundary behavior.
	connections atomic.Int64
}

// admitConnection reserves one connection slot, rejecting once
// max_connections is already occupied. Pairs with releaseConnection,
// called from the upgraded connection's own onClose.
func (d *Deps) admitConnection() bool {
	max := int64(d.Config.Int("max_connections", 100))
	if d.connections.Add(1) > max {
		d.connections.Add(-1)
		return false
	}
	return true
}

func (d *Deps) releaseConnection() {
	d.connections.Add(-1)
}
