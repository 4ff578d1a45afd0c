// Package api serves the relay's query and operator endpoints: command and
// checkpoint inspection, dead letter listing and resolution, operator
// requeue of terminally failed commands, the projected read models, and the
// metrics scrape.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tesserafin/ledger-relay/relay/metrics"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// Server provides HTTP endpoints over the shared database connection.
type Server struct {
	logger zerolog.Logger
	server *http.Server

	commands    *store.CommandStore
	checkpoints *store.CheckpointStore
	deadLetters *store.DeadLetterStore
	models      *store.ReadModelStore

	ledger         LedgerStatus
	metricsHandler http.Handler
	maxAttempts    int
}

// NewServer creates a new Server instance. maxAttempts is the dispatcher's
// attempt budget; the operator retry endpoint only touches commands that
// exhausted it.
func NewServer(logger zerolog.Logger, port int, database *gorm.DB, ledger LedgerStatus, m *metrics.Metrics, maxAttempts int) *Server {
	s := &Server{
		logger:      logger.With().Str("component", "query_server").Logger(),
		commands:    store.NewCommandStore(database),
		checkpoints: store.NewCheckpointStore(database),
		deadLetters: store.NewDeadLetterStore(database),
		models:      store.NewReadModelStore(database),
		ledger:      ledger,
		maxAttempts: maxAttempts,
	}
	if m != nil {
		s.metricsHandler = m.Handler()
	}

	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("query server is nil")
	}

	// Channel to signal server startup result
	startupChan := make(chan error, 1)

	go func() {
		// Create a test listener to verify the port is available
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}
		ln.Close()

		// Signal successful startup check
		startupChan <- nil

		err = s.server.ListenAndServe()
		switch err {
		case nil:
			s.logger.Info().Msg("Query server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("Query server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("Query server error")
		}
	}()

	// Wait for startup result with timeout
	select {
	case err := <-startupChan:
		if err != nil {
			return err
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
