package api

import "net/http"

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", s.handleHealth)

	// API v1 endpoints
	mux.HandleFunc("/api/v1/commands", s.handleCommands)
	mux.HandleFunc("/api/v1/command", s.handleCommand)
	mux.HandleFunc("/api/v1/command/retry", s.handleCommandRetry)
	mux.HandleFunc("/api/v1/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("/api/v1/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("/api/v1/dead-letter/resolve", s.handleDeadLetterResolve)
	mux.HandleFunc("/api/v1/balances", s.handleBalances)
	mux.HandleFunc("/api/v1/balance", s.handleBalance)
	mux.HandleFunc("/api/v1/transfers", s.handleTransfers)

	// Prometheus scrape endpoint
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	return mux
}
