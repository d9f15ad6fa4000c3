// Package api defines the request and response types of the admin and
// gateway endpoints.
package api

// IssueKeyRequest is the request body for issuing a new API key.
type IssueKeyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// IssueKeyResponse returns the plaintext key exactly once.
type IssueKeyResponse struct {
	APIKey  string `json:"api_key"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// KeyInfo is the metadata view of a credential. No digest, no secret.
type KeyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	Active      bool   `json:"active"`
	UsageCount  int64  `json:"usage_count"`
}

// ListKeysResponse is the response body for listing keys.
type ListKeysResponse struct {
	Keys []KeyInfo `json:"keys"`
}

// RevokeKeyRequest identifies the key to revoke by its plaintext.
type RevokeKeyRequest struct {
	APIKey string `json:"api_key"`
}

// RevokeKeyResponse reports whether a matching record was found.
type RevokeKeyResponse struct {
	Revoked bool `json:"revoked"`
}

// HealthResponse reports gateway and backend reachability.
type HealthResponse struct {
	Gateway    string `json:"gateway"`
	Backend    string `json:"backend"`
	BackendURL string `json:"backend_url"`
	Timestamp  string `json:"timestamp"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
