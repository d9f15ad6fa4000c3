// Package server implements the gateway and admin HTTP servers.
package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/keystore"
)

// AdminServer handles credential management. It listens on a separate
// port from caller traffic and is gated by a shared admin secret.
type AdminServer struct {
	Store  *keystore.Store
	Secret string
	Logger *zap.Logger
}

// AdminMiddleware authenticates management requests with the
// X-Admin-Secret header.
func (s *AdminServer) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Secret")
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.Secret)) != 1 {
			writeJSON(w, http.StatusForbidden, api.ErrorResponse{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler for the admin server.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/keys", s.handleIssueKey)
	mux.HandleFunc("GET /admin/keys", s.handleListKeys)
	mux.HandleFunc("POST /admin/keys/revoke", s.handleRevokeKey)

	return s.AdminMiddleware(mux)
}

func (s *AdminServer) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req api.IssueKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	key, err := s.Store.Issue(r.Context(), req.Name, req.Description)
	if errors.Is(err, keystore.ErrEmptyName) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "name is required"})
		return
	}
	if err != nil {
		s.Logger.Error("issue key failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "failed to issue key"})
		return
	}

	writeJSON(w, http.StatusOK, api.IssueKeyResponse{
		APIKey:  key,
		Name:    req.Name,
		Message: "store this key securely; it cannot be retrieved again",
	})
}

func (s *AdminServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	infos := s.Store.List(r.Context())

	resp := api.ListKeysResponse{
		Keys: make([]api.KeyInfo, 0, len(infos)),
	}
	for _, info := range infos {
		resp.Keys = append(resp.Keys, api.KeyInfo{
			Name:        info.Name,
			Description: info.Description,
			CreatedAt:   time.Unix(info.CreatedAt, 0).UTC().Format(time.RFC3339),
			Active:      info.Active,
			UsageCount:  info.UsageCount,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req api.RevokeKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "api_key is required"})
		return
	}

	found, err := s.Store.Revoke(r.Context(), req.APIKey)
	if err != nil {
		s.Logger.Error("revoke key failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "failed to revoke key"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "key not found"})
		return
	}

	writeJSON(w, http.StatusOK, api.RevokeKeyResponse{Revoked: true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "request body required"})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16) // 64KB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON"})
		return false
	}
	// Ensure no trailing data
	if dec.Decode(&struct{}{}) != io.EOF {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "unexpected trailing data"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
