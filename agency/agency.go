// Package agency hosts the relay's in-process entities: the forward
// agent that answers identity-less agency messages, the agents it
// creates, and the pairwise connections each agent owns. Every entity
// runs its own mailbox goroutine and is reached only through the routes
// it registers with the router.
//
// Entity keys are derived from the wallet master secret, so an entity
// rebuilt from its persisted pairwise record after a restart comes back
// with the same DID and verkey.
package agency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/router"
	"github.com/mesmerverse/agency-relay/storage"
	"github.com/mesmerverse/agency-relay/wallet"
)

// Registrar is the part of the router the agency uses to publish and
// reach entities.
type Registrar interface {
	RegisterAgentRoute(did, verkey string, h router.AgentHandler)
	RegisterConnectionRoute(did, verkey string, h router.ConnectionHandler)
	RouteConnectionMessage(ctx context.Context, identity string, msg protocol.ConnMessage) (protocol.ConnMessage, error)
	RestoreAgentRoute(ctx context.Context, identity string) error
}

// Config configures an Agency.
type Config struct {
	Wallet *wallet.Wallet
	Store  storage.Store

	// Seed fixes the forward agent identity. Records are owned by the
	// forward agent verkey, so restoration across restarts needs a
	// stable seed. Nil creates a random identity.
	Seed []byte

	// Endpoint is advertised in AGENCY_INFO responses.
	Endpoint string

	MailboxSize int
}

// Agency owns the forward agent and every entity it has created.
type Agency struct {
	wallet      *wallet.Wallet
	store       storage.Store
	endpoint    string
	mailboxSize int

	forward   *ForwardAgent
	directory *Directory

	mu        sync.RWMutex
	registrar Registrar
}

// New creates the agency and starts its forward agent. The agency cannot
// create entities until Bind attaches it to a router.
func New(cfg Config) (*Agency, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("agency requires a wallet")
	}
	if cfg.Store == nil {
		return nil, errors.New("agency requires a store")
	}

	info, err := cfg.Wallet.CreateDID(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward agent DID: %w", err)
	}
	signer, err := cfg.Wallet.Signer(info.DID)
	if err != nil {
		return nil, fmt.Errorf("failed to get forward agent signer: %w", err)
	}

	a := &Agency{
		wallet:      cfg.Wallet,
		store:       cfg.Store,
		endpoint:    cfg.Endpoint,
		mailboxSize: cfg.MailboxSize,
		directory:   NewDirectory(),
	}
	a.forward = newForwardAgent(a, signer)

	log.Info().
		Str("did", info.DID).
		Str("verkey", info.Verkey).
		Str("endpoint", cfg.Endpoint).
		Msg("Forward agent started")

	return a, nil
}

// Bind attaches the agency to the router that routes to its entities.
func (a *Agency) Bind(r Registrar) {
	a.mu.Lock()
	a.registrar = r
	a.mu.Unlock()
}

func (a *Agency) router() (Registrar, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.registrar == nil {
		return nil, ErrNotBound
	}
	return a.registrar, nil
}

// ForwardAgent returns the default handler.
func (a *Agency) ForwardAgent() *ForwardAgent {
	return a.forward
}

// Signer returns the forward agent's signing identity. The router uses it
// to authenticate restoration queries.
func (a *Agency) Signer() *wallet.Signer {
	return a.forward.signer
}

// Directory returns the live entities.
func (a *Agency) Directory() *Directory {
	return a.directory
}

// Shutdown stops every entity, the forward agent included.
func (a *Agency) Shutdown() {
	n := a.directory.StopAll()
	a.forward.Stop()
	log.Info().Int("entities", n).Msg("Agency shut down")
}

// Restore rebuilds the entity a pairwise record belongs to. It is the
// router's reconstruction factory. A rebuilt connection registers its
// own connection route; the router inserts the returned agent route.
func (a *Agency) Restore(ctx context.Context, rec *storage.PairwiseRecord) (router.AgentHandler, error) {
	if rec.OwnerVerkey != a.forward.signer.Verkey() {
		return nil, fmt.Errorf("record %s is owned by another forward agent", rec.MyDID)
	}

	// The entity may still be alive with its routes evicted
	if e, ok := a.directory.Get(rec.MyDID); ok {
		if conn, ok := e.(*AgentConnection); ok {
			r, err := a.router()
			if err != nil {
				return nil, err
			}
			r.RegisterConnectionRoute(conn.DID(), conn.Verkey(), conn.ConnectionHandler())
		}
		return e, nil
	}

	switch rec.Kind {
	case storage.KindAgent:
		info, err := a.agentIdentity(rec.TheirVerkey)
		if err != nil {
			return nil, err
		}
		if err := matchIdentity(rec, info); err != nil {
			return nil, err
		}
		agent := a.spawnAgent(info, rec)

		log.Info().Str("did", rec.MyDID).Msg("Agent restored")
		return agent, nil

	case storage.KindConnection:
		r, err := a.router()
		if err != nil {
			return nil, err
		}
		info, err := a.connectionIdentity(rec.AgentDID, rec.TheirVerkey)
		if err != nil {
			return nil, err
		}
		if err := matchIdentity(rec, info); err != nil {
			return nil, err
		}
		conn := a.spawnConnection(info, rec)
		r.RegisterConnectionRoute(info.DID, info.Verkey, conn.ConnectionHandler())

		log.Info().
			Str("did", rec.MyDID).
			Str("agent_did", rec.AgentDID).
			Msg("Agent connection restored")
		return conn, nil

	default:
		return nil, fmt.Errorf("cannot restore record of kind %q", rec.Kind)
	}
}

// agentIdentity derives the DID of the agent created for forVerkey.
func (a *Agency) agentIdentity(forVerkey string) (wallet.DIDInfo, error) {
	return a.deriveIdentity("agent:" + a.forward.signer.Verkey() + ":" + forVerkey)
}

// connectionIdentity derives the DID of agentDID's connection to forVerkey.
func (a *Agency) connectionIdentity(agentDID, forVerkey string) (wallet.DIDInfo, error) {
	return a.deriveIdentity("connection:" + agentDID + ":" + forVerkey)
}

func (a *Agency) deriveIdentity(purpose string) (wallet.DIDInfo, error) {
	seed, err := a.wallet.DeriveKey(purpose)
	if err != nil {
		return wallet.DIDInfo{}, fmt.Errorf("failed to derive seed: %w", err)
	}
	info, err := a.wallet.CreateDID(seed)
	if err != nil {
		return wallet.DIDInfo{}, fmt.Errorf("failed to create DID: %w", err)
	}
	return info, nil
}

func matchIdentity(rec *storage.PairwiseRecord, info wallet.DIDInfo) error {
	if rec.MyDID != info.DID || rec.MyVerkey != info.Verkey {
		return fmt.Errorf("record %s does not match derived identity %s", rec.MyDID, info.DID)
	}
	return nil
}

// exists reports whether a record for did is persisted.
func (a *Agency) exists(ctx context.Context, did string) (bool, error) {
	req, err := storage.NewLookupRequest(a.forward.signer, did, now())
	if err != nil {
		return false, err
	}
	_, err = a.store.FindPairwise(ctx, req)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (a *Agency) spawnAgent(info wallet.DIDInfo, rec *storage.PairwiseRecord) *Agent {
	agent := newAgent(a, info, rec)
	a.directory.Add(agent)
	return agent
}

func (a *Agency) spawnConnection(info wallet.DIDInfo, rec *storage.PairwiseRecord) *AgentConnection {
	conn := newAgentConnection(a, info, rec)
	a.directory.Add(conn)
	return conn
}
