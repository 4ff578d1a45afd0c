package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.ledger != nil {
		resp.Breaker = s.ledger.BreakerState()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCommands handles GET /api/v1/commands?tenant=<tenant>&status=<status>&limit=<n>
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cmds, err := s.commands.List(r.URL.Query().Get("tenant"), r.URL.Query().Get("status"), listLimit(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list commands")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to list commands"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: cmds})
}

// handleCommand handles GET /api/v1/command?tenant=<tenant>&request_id=<id>
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	requestID := r.URL.Query().Get("request_id")
	if tenant == "" || requestID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "tenant and request_id parameters are required"})
		return
	}

	cmd, err := s.commands.Get(tenant, requestID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query command")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to query command"})
		return
	}
	if cmd == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: fmt.Sprintf("command not found for tenant %s and request id %s", tenant, requestID)})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: cmd})
}

// handleCommandRetry handles POST /api/v1/command/retry?tenant=<tenant>&request_id=<id>.
// Only a terminally failed command is reset; commands still inside their
// retry budget are left to the dispatcher.
func (s *Server) handleCommandRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	requestID := r.URL.Query().Get("request_id")
	if tenant == "" || requestID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "tenant and request_id parameters are required"})
		return
	}

	rows, err := s.commands.RequeueManual(tenant, requestID, s.maxAttempts)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to requeue command")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to requeue command"})
		return
	}
	if rows == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "command not found or not terminally failed"})
		return
	}

	s.logger.Info().Str("tenant", tenant).Str("request_id", requestID).Msg("Command requeued by operator")

	cmd, err := s.commands.Get(tenant, requestID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to reload requeued command")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to reload requeued command"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: cmd})
}

// handleCheckpoints handles GET /api/v1/checkpoints?tenant=<tenant>
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cps, err := s.checkpoints.List(r.URL.Query().Get("tenant"))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list checkpoints")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to list checkpoints"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: cps})
}

// handleDeadLetters handles GET /api/v1/dead-letters?tenant=<tenant>&include_resolved=<bool>&limit=<n>
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	includeResolved := r.URL.Query().Get("include_resolved") == "true"

	rows, err := s.deadLetters.List(r.URL.Query().Get("tenant"), includeResolved, listLimit(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list dead letters")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to list dead letters"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: rows})
}

// handleDeadLetterResolve handles POST /api/v1/dead-letter/resolve?id=<id>
func (s *Server) handleDeadLetterResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("id")
	if raw == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "id parameter is required"})
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "id parameter must be numeric"})
		return
	}

	rows, err := s.deadLetters.Resolve(uint(id))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve dead letter")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to resolve dead letter"})
		return
	}
	if rows == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "dead letter not found or already resolved"})
		return
	}

	s.logger.Info().Uint64("id", id).Msg("Dead letter resolved by operator")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: struct {
		ID       uint64 `json:"id"`
		Resolved bool   `json:"resolved"`
	}{ID: id, Resolved: true}})
}

// handleBalances handles GET /api/v1/balances?tenant=<tenant>&limit=<n>
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "tenant parameter is required"})
		return
	}

	bals, err := s.models.ListBalances(tenant, listLimit(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list balances")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to list balances"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: bals})
}

// handleBalance handles GET /api/v1/balance?tenant=<tenant>&account_id=<id>
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	accountID := r.URL.Query().Get("account_id")
	if tenant == "" || accountID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "tenant and account_id parameters are required"})
		return
	}

	bal, err := s.models.GetBalance(tenant, accountID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query balance")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to query balance"})
		return
	}
	if bal == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: fmt.Sprintf("balance not found for tenant %s and account %s", tenant, accountID)})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: bal})
}

// handleTransfers handles GET /api/v1/transfers?tenant=<tenant>&account_id=<id>&limit=<n>
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "tenant parameter is required"})
		return
	}

	recs, err := s.models.ListTransfers(tenant, r.URL.Query().Get("account_id"), listLimit(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list transfers")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to list transfers"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Data: recs})
}
