package api

// QueryResponse is the standard success envelope.
type QueryResponse struct {
	Data interface{} `json:"data"`
}

// HealthResponse reports process liveness and ledger connectivity.
type HealthResponse struct {
	Status  string `json:"status"`
	Breaker string `json:"breaker,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
