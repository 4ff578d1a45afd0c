// Package core assembles the relay daemon: database, metrics, ledger
// client, command dispatcher, one projector per tenant, the query server
// and the maintenance sweeper.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tesserafin/ledger-relay/relay/api"
	"github.com/tesserafin/ledger-relay/relay/config"
	"github.com/tesserafin/ledger-relay/relay/db"
	"github.com/tesserafin/ledger-relay/relay/dispatcher"
	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/ledger"
	"github.com/tesserafin/ledger-relay/relay/metrics"
	"github.com/tesserafin/ledger-relay/relay/projector"
	"github.com/tesserafin/ledger-relay/relay/registry"
	"github.com/tesserafin/ledger-relay/relay/store"
)

const dbFileName = "relay.db"

// Client owns every component of one relay process.
type Client struct {
	cfg      *config.Config
	log      zerolog.Logger
	database *db.DB
	metrics  *metrics.Metrics

	ledger      *ledger.Client
	dispatcher  *dispatcher.Dispatcher
	projectors  []*projector.Projector
	queryServer *api.Server
	maintenance *db.Maintenance
}

// NewClient assembles a relay over the given gateway. Construction fails
// fast on configuration problems so a bad deploy never reaches the ledger.
func NewClient(cfg *config.Config, gateway ledger.Gateway, log zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, relayerrors.NewConfigurationError("config is required")
	}
	if cfg.RelayHome == "" {
		return nil, relayerrors.NewConfigurationError("relay home directory is required")
	}
	if len(cfg.Tenants) == 0 {
		return nil, relayerrors.NewConfigurationError("at least one tenant binding is required")
	}

	database, err := db.OpenFileDB(cfg.RelayHome, dbFileName, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	reg, err := registry.Default()
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	handlers, err := projector.DefaultHandlers()
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	m := metrics.New()
	ledgerClient := ledger.NewClient(gateway, cfg.Ledger, m, log)
	commands := store.NewCommandStore(database.Client())

	c := &Client{
		cfg:        cfg,
		log:        log.With().Str("component", "relay").Logger(),
		database:   database,
		metrics:    m,
		ledger:     ledgerClient,
		dispatcher: dispatcher.NewDispatcher(commands, reg, ledgerClient, cfg, m, log),
		queryServer: api.NewServer(
			log, cfg.QueryServerPort, database.Client(), ledgerClient, m, cfg.Dispatcher.MaxAttempts),
		maintenance: db.NewMaintenance(
			database,
			time.Duration(cfg.MaintenanceIntervalSeconds)*time.Second,
			time.Duration(cfg.DeadLetterRetentionSeconds)*time.Second,
			log,
		),
	}

	for _, binding := range cfg.Tenants {
		c.projectors = append(c.projectors, projector.NewProjector(
			cfg.ProjectorName, binding, database.Client(), ledgerClient, handlers, m, log))
	}

	return c, nil
}

// NewFabricClient assembles a relay over the Fabric gateway from config.
func NewFabricClient(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, relayerrors.NewConfigurationError("config is required")
	}
	return NewClient(cfg, ledger.NewFabricGateway(cfg.Ledger, log), log)
}

// Start brings the components up: ledger session, dispatcher, projectors,
// query server, maintenance. On error the caller is expected to Stop.
func (c *Client) Start(ctx context.Context) error {
	c.log.Info().Msg("Starting ledger relay")

	if err := c.ledger.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to the ledger gateway: %w", err)
	}

	if err := c.dispatcher.Start(ctx); err != nil {
		return err
	}

	for _, p := range c.projectors {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}

	if err := c.queryServer.Start(); err != nil {
		return err
	}

	if err := c.maintenance.Start(ctx); err != nil {
		return err
	}

	c.log.Info().
		Int("tenants", len(c.projectors)).
		Int("query_port", c.cfg.QueryServerPort).
		Msg("Relay started")
	return nil
}

// Stop tears the components down in reverse start order. Safe to call after
// a failed Start.
func (c *Client) Stop() {
	c.log.Info().Msg("Stopping ledger relay")

	c.maintenance.Stop()

	if err := c.queryServer.Stop(); err != nil {
		c.log.Error().Err(err).Msg("Failed to stop query server")
	}

	for _, p := range c.projectors {
		p.Stop()
	}

	if err := c.dispatcher.Stop(); err != nil {
		c.log.Error().Err(err).Msg("Failed to stop dispatcher")
	}

	if err := c.ledger.Close(); err != nil {
		c.log.Error().Err(err).Msg("Failed to close ledger session")
	}

	if err := c.database.Close(); err != nil {
		c.log.Error().Err(err).Msg("Failed to close database")
	}

	c.log.Info().Msg("Relay stopped")
}

// Run starts the relay and blocks until the context ends or a projection
// stream dies, then tears everything down.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}
	defer c.Stop()

	fatal := make(chan error, len(c.projectors))
	for _, p := range c.projectors {
		p := p
		go func() {
			<-p.Done()
			if err := p.Err(); err != nil {
				fatal <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		c.log.Info().Msg("Shutdown signal received")
		return nil
	case err := <-fatal:
		c.log.Error().Err(err).Msg("Projection stream failed")
		return err
	}
}
