package spool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/server"
)

// TestClientPush tests request shape and result decoding
func TestClientPush(t *testing.T) {
	var got server.PushRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/push" {
			t.Errorf("path = %s, want /v1/push", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(engine.PushResult{
			Applied: []engine.Applied{{Table: "sales", RecordID: "r1", Version: 7}},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "t1", "c1")
	result, err := c.Push(context.Background(), []model.Change{{Table: "sales", RecordID: "r1"}})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	if got.TenantID != "t1" || got.ClientID != "c1" {
		t.Errorf("request identifies as %s/%s, want t1/c1", got.TenantID, got.ClientID)
	}
	if len(result.Applied) != 1 || result.Applied[0].Version != 7 {
		t.Errorf("result = %+v", result)
	}
}

// TestClientErrorMapping tests that non-2xx responses surface as
// APIError with the server's code
func TestClientErrorMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "client c1 belongs to another tenant",
			"code":  "tenant_mismatch",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "t1", "c1")
	_, err := c.Pull(context.Background(), 0, 0)
	if err == nil {
		t.Fatal("Pull() succeeded against a 403")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", apiErr.Status)
	}
	if apiErr.Code != "tenant_mismatch" {
		t.Errorf("code = %q, want tenant_mismatch", apiErr.Code)
	}
	if apiErr.Retriable() {
		t.Error("a 403 is not retriable")
	}
}

// TestAPIError_Retriable tests the retry classification
func TestAPIError_Retriable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusForbidden, false},
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		e := &APIError{Status: tc.status}
		if e.Retriable() != tc.want {
			t.Errorf("Retriable() for %d = %v, want %v", tc.status, e.Retriable(), tc.want)
		}
	}
}

// TestRegister tests the registration helper decoding the assigned
// client
func TestRegister(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req server.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.TenantID != "t1" || req.UserID != "alice" {
			t.Errorf("request = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Client{ID: "new-id", TenantID: "t1", Status: model.ClientActive})
	}))
	defer ts.Close()

	client, err := Register(context.Background(), ts.URL, "t1", "alice", 0)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if client.ID != "new-id" {
		t.Errorf("client id = %q, want new-id", client.ID)
	}
}
