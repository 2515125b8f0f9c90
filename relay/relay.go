package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/agency"
	"github.com/mesmerverse/agency-relay/router"
	"github.com/mesmerverse/agency-relay/storage"
	"github.com/mesmerverse/agency-relay/wallet"
)

// storeKeyPurpose derives the connection store DEK from the wallet.
const storeKeyPurpose = "connection-store"

// Relay wires the router, the agency and the transports that feed them.
type Relay struct {
	config *Config

	store  storage.Store
	agency *agency.Agency
	router *router.Router
	health *HealthServer

	natsClient *NATSClient
	mu         sync.RWMutex
}

// NewRelay opens the wallet and the connection store and builds the
// router with the agency as its default handler and restorer.
func NewRelay(ctx context.Context, cfg *Config) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	w, err := wallet.Open(cfg.ForwardAgent.WalletName, cfg.ForwardAgent.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet: %w", err)
	}
	dek, err := w.DeriveKey(storeKeyPurpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive store key: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage, dek)
	if err != nil {
		return nil, err
	}

	if cfg.Seed() == nil {
		log.Warn().Msg("No forward agent seed configured, routes will not survive a restart")
	}

	ag, err := agency.New(agency.Config{
		Wallet:      w,
		Store:       store,
		Seed:        cfg.Seed(),
		Endpoint:    cfg.Endpoint(),
		MailboxSize: cfg.ForwardAgent.MailboxSize,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create agency: %w", err)
	}

	r, err := router.New(router.Config{
		Default:        ag.ForwardAgent(),
		Self:           ag.Signer(),
		Store:          store,
		Restorer:       ag,
		RestoreTimeout: cfg.RestoreTimeout(),
	})
	if err != nil {
		ag.Shutdown()
		store.Close()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	ag.Bind(r)

	rl := &Relay{
		config: cfg,
		store:  store,
		agency: ag,
		router: r,
	}
	rl.health = NewHealthServer(rl)
	return rl, nil
}

func openStore(ctx context.Context, cfg StorageConfig, dek []byte) (storage.Store, error) {
	switch cfg.Driver {
	case DriverSQLite:
		store, err := storage.NewSQLiteStore(cfg.Path, dek)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case DriverPostgres:
		store, err := storage.NewPostgresStore(ctx, cfg.DSN, dek)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Run serves HTTP (and NATS when enabled) until ctx is cancelled.
func (rl *Relay) Run(ctx context.Context) error {
	log.Info().Msg("Relay starting")
	defer rl.Close()

	errChan := make(chan error, 2)

	srv := &http.Server{
		Addr:              rl.config.Server.Listen,
		Handler:           rl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("listen", srv.Addr).
			Str("prefix", rl.config.Prefix()).
			Bool("admin", rl.config.Admin.Enabled).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	if rl.config.NATS.Enabled {
		natsClient, err := NewNATSClient(rl.config.NATS, rl.health.SetNATSConnected)
		if err != nil {
			return err
		}
		rl.mu.Lock()
		rl.natsClient = natsClient
		rl.mu.Unlock()
		defer natsClient.Close()

		log.Info().Str("url", rl.config.NATS.URL).Msg("Connected to NATS")

		go func() {
			err := rl.routeNATS(ctx, natsClient)
			if err != nil && ctx.Err() == nil {
				errChan <- fmt.Errorf("NATS routing error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Relay shutting down")
		return nil
	case err := <-errChan:
		return err
	}
}

// Close stops every entity and closes the store.
func (rl *Relay) Close() {
	rl.agency.Shutdown()
	if err := rl.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close connection store")
	}
}

// natsStatus reports whether NATS is enabled and its connection state.
func (rl *Relay) natsStatus() (enabled bool, status string) {
	if !rl.config.NATS.Enabled {
		return false, "disabled"
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rl.natsClient == nil {
		return true, "connecting"
	}
	return true, rl.natsClient.Status()
}
