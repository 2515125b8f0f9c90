// Package router dispatches inbound messages to the in-process entity
// that owns the destination identity. It keeps two route tables, one for
// agent-addressed payloads and one for pairwise-connection messages,
// each keyed by both the DID and the verkey of the owner. A miss in the
// agent table is repaired once per request from the durable connection
// store; identity-less traffic goes to a fixed default handler.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/storage"
)

// DefaultRestoreTimeout bounds one restoration (store query plus
// reconstruction).
const DefaultRestoreTimeout = 30 * time.Second

// Config holds the construction-time collaborators of a Router. They are
// immutable once the router is built.
type Config struct {
	// Default receives identity-less agency messages. Required.
	Default DefaultHandler

	// Self is the router's own signing identity, used to authenticate
	// restoration queries.
	Self storage.Signer

	// Store and Restorer enable restoration of agent routes. Both nil
	// disables restoration; a miss then fails immediately.
	Store    ConnectionStore
	Restorer Restorer

	// RestoreTimeout bounds a single restoration. Zero means
	// DefaultRestoreTimeout.
	RestoreTimeout time.Duration
}

// Router owns the agent and connection route tables.
type Router struct {
	agents      *routeTable[AgentHandler]
	connections *routeTable[ConnectionHandler]

	defaultHandler DefaultHandler
	self           storage.Signer
	store          ConnectionStore
	restorer       Restorer
	restoreTimeout time.Duration

	// Concurrent misses for one identity share a single store query;
	// concurrent queries resolving to one record share a single
	// reconstruction.
	lookups         singleflight.Group
	reconstructions singleflight.Group

	stats counters
	now   func() time.Time
}

// New creates a router with empty route tables.
func New(cfg Config) (*Router, error) {
	if cfg.Default == nil {
		return nil, ErrNoDefaultHandler
	}
	if cfg.Store != nil {
		if cfg.Self == nil {
			return nil, ErrRestoreNeedsSigner
		}
		if cfg.Restorer == nil {
			return nil, ErrRestoreNeedsFactory
		}
	}

	timeout := cfg.RestoreTimeout
	if timeout <= 0 {
		timeout = DefaultRestoreTimeout
	}

	log.Debug().
		Bool("restoration", cfg.Store != nil).
		Dur("restore_timeout", timeout).
		Msg("Creating router")

	return &Router{
		agents:         newRouteTable[AgentHandler](TableAgent),
		connections:    newRouteTable[ConnectionHandler](TableConnection),
		defaultHandler: cfg.Default,
		self:           cfg.Self,
		store:          cfg.Store,
		restorer:       cfg.Restorer,
		restoreTimeout: timeout,
		now:            time.Now,
	}, nil
}

// RegisterAgentRoute binds handler under both did and verkey in the agent
// table, replacing any previous binding.
func (r *Router) RegisterAgentRoute(did, verkey string, handler AgentHandler) {
	r.agents.insert(did, verkey, handler)
	r.stats.registrations.Add(1)

	log.Info().
		Str("did", did).
		Str("verkey", verkey).
		Int("agent_routes", r.agents.len()).
		Msg("Registered agent route")
}

// RegisterConnectionRoute binds handler under both did and verkey in the
// connection table, replacing any previous binding.
func (r *Router) RegisterConnectionRoute(did, verkey string, handler ConnectionHandler) {
	r.connections.insert(did, verkey, handler)
	r.stats.registrations.Add(1)

	log.Info().
		Str("did", did).
		Str("verkey", verkey).
		Int("connection_routes", r.connections.len()).
		Msg("Registered connection route")
}

// RouteAgentMessage delivers payload to the agent route for identity. On
// a miss (or a terminated handler) the route is restored from the
// durable store and delivery is retried once.
func (r *Router) RouteAgentMessage(ctx context.Context, identity string, payload []byte) ([]byte, error) {
	r.stats.agentDispatches.Add(1)

	handler, ok := r.agents.get(identity)
	stale := ok && terminated(handler)

	if ok && !stale {
		log.Debug().Str("identity", identity).Msg("Routing agent message")
		return deliver(ctx, r, TableAgent, identity, handler, payload)
	}

	if stale {
		log.Warn().Str("identity", identity).Msg("Agent route is stale, restoring")
	} else {
		r.stats.misses.Add(1)
		log.Debug().Str("identity", identity).Msg("No agent route, restoring")
	}

	restored, err := r.restoreAgentRoute(ctx, identity)
	if err != nil {
		if stale {
			// The bound entity is gone and cannot be rebuilt.
			r.stats.deliveryFailures.Add(1)
			return nil, &DeliveryError{
				Table:    TableAgent,
				Identity: identity,
				Err:      fmt.Errorf("%w: %w", ErrHandlerTerminated, err),
			}
		}
		return nil, &NoRouteError{Table: TableAgent, Identity: identity, Err: err}
	}

	return deliver(ctx, r, TableAgent, identity, restored, payload)
}

// RestoreAgentRoute makes sure a live agent route exists for identity,
// restoring it from the durable store when it is missing or stale. It
// fails with a *NoRouteError when no route can be produced.
func (r *Router) RestoreAgentRoute(ctx context.Context, identity string) error {
	handler, ok := r.agents.get(identity)
	if ok && !terminated(handler) {
		return nil
	}
	if !ok {
		r.stats.misses.Add(1)
	}

	if _, err := r.restoreAgentRoute(ctx, identity); err != nil {
		return &NoRouteError{Table: TableAgent, Identity: identity, Stale: ok, Err: err}
	}
	return nil
}

// RouteConnectionMessage delivers msg to the connection route for
// identity. Connection routes are not restored: a miss fails at once.
func (r *Router) RouteConnectionMessage(ctx context.Context, identity string, msg protocol.ConnMessage) (protocol.ConnMessage, error) {
	r.stats.connectionDispatches.Add(1)

	handler, ok := r.connections.get(identity)
	if !ok {
		r.stats.misses.Add(1)
		log.Debug().Str("identity", identity).Msg("No connection route")
		return protocol.ConnMessage{}, &NoRouteError{Table: TableConnection, Identity: identity}
	}

	log.Debug().
		Str("identity", identity).
		Str("type", string(msg.Type)).
		Msg("Routing connection message")

	return deliver(ctx, r, TableConnection, identity, handler, msg)
}

// RouteToDefault delivers msg to the default handler.
func (r *Router) RouteToDefault(ctx context.Context, msg []byte) ([]byte, error) {
	r.stats.defaultDispatches.Add(1)

	log.Debug().Int("size", len(msg)).Msg("Routing message to default handler")

	return deliver(ctx, r, TableDefault, "", r.defaultHandler, msg)
}

// deliver calls h and wraps its failure as a DeliveryError. A failing
// handler leaves its route in place.
func deliver[Req, Resp any](ctx context.Context, r *Router, table, identity string, h Handler[Req, Resp], req Req) (Resp, error) {
	resp, err := h.Handle(ctx, req)
	if err != nil {
		r.stats.deliveryFailures.Add(1)
		log.Warn().
			Err(err).
			Str("table", table).
			Str("identity", identity).
			Msg("Delivery failed")
		var zero Resp
		return zero, &DeliveryError{Table: table, Identity: identity, Err: err}
	}
	return resp, nil
}

type counters struct {
	registrations        atomic.Uint64
	agentDispatches      atomic.Uint64
	connectionDispatches atomic.Uint64
	defaultDispatches    atomic.Uint64
	misses               atomic.Uint64
	restorations         atomic.Uint64
	restorationFailures  atomic.Uint64
	deliveryFailures     atomic.Uint64
}
