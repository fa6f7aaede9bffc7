package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/model"
)

// RegisterRequest registers a new desktop installation.
type RegisterRequest struct {
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id"`
	SyncInterval string `json:"sync_interval,omitempty"`
}

// PushRequest carries a client's local changes.
type PushRequest struct {
	TenantID string         `json:"tenant_id"`
	ClientID string         `json:"client_id"`
	Changes  []model.Change `json:"changes"`
}

// PullRequest asks for the client's due deliveries. since_version is a
// resume hint echoed back as next_cursor, not a delivery filter.
type PullRequest struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	SinceVersion int64  `json:"since_version"`
	MaxItems     int    `json:"max_items,omitempty"`
}

// AckRequest settles a previously pulled batch.
type AckRequest struct {
	TenantID  string `json:"tenant_id"`
	ClientID  string `json:"client_id"`
	BatchID   string `json:"batch_id"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	var interval time.Duration
	if req.SyncInterval != "" {
		var err error
		interval, err = time.ParseDuration(req.SyncInterval)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	client, err := s.engine.RegisterClient(r.Context(), req.TenantID, req.UserID, interval)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, client)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.engine.Push(r.Context(), req.TenantID, req.ClientID, req.Changes)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.engine.Pull(r.Context(), req.TenantID, req.ClientID, req.SinceVersion, req.MaxItems)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.engine.Ack(r.Context(), req.TenantID, req.ClientID, req.BatchID, engine.AckOutcome{
		OK:        req.OK,
		ErrorCode: req.ErrorCode,
		ErrorMsg:  req.ErrorMsg,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("tenant query parameter is required"))
		return
	}

	items, err := s.engine.Queue().DeadLetters(r.Context(), tenantID, 100)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if items == nil {
		items = []*model.QueueItem{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("tenant query parameter is required"))
		return
	}

	stats, err := s.engine.Queue().Stats(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"alert_clients": s.ClientCount(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error(), Code: codeFor(err)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTenantMismatch),
		errors.Is(err, model.ErrClientRevoked),
		errors.Is(err, model.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, model.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// codeFor gives clients a stable error code alongside the message.
func codeFor(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrTenantMismatch):
		return "tenant_mismatch"
	case errors.Is(err, model.ErrClientRevoked):
		return "client_revoked"
	case errors.Is(err, model.ErrReadOnly):
		return "read_only"
	case errors.Is(err, model.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, model.ErrIntegrityMismatch):
		return "integrity_mismatch"
	case errors.Is(err, model.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, model.ErrExpired):
		return "expired"
	default:
		return ""
	}
}
