package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/integrity"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/queue"
	"github.com/tillsync/tillsync/internal/store"
)

// newTestServer stands up the API over a real engine with one tenant
func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	eng := engine.New(st, engine.Config{
		Queue:  queue.Config{Logger: logger},
		Logger: logger,
	})
	if _, err := eng.CreateTenant(ctx, "t1", "Shop", "", 0); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}

	srv := New(eng, &Config{Logger: logger})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, eng
}

// postJSON posts a request body and decodes the response
func postJSON(t *testing.T, ts *httptest.Server, path string, payload, result interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			t.Fatalf("failed to decode response from %s: %v", path, err)
		}
	}
	return resp
}

// registerClient registers a client through the API
func registerClient(t *testing.T, ts *httptest.Server) *model.Client {
	t.Helper()
	var client model.Client
	resp := postJSON(t, ts, "/v1/register", RegisterRequest{TenantID: "t1", UserID: "alice"}, &client)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %d, want 201", resp.StatusCode)
	}
	return &client
}

// testChange builds a valid change with a real hash
func testChange(t *testing.T, recordID string, base int64, payload string) model.Change {
	t.Helper()
	hash, err := integrity.Hash([]byte(payload))
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	return model.Change{
		Table:       "sales",
		RecordID:    recordID,
		BaseVersion: base,
		Op:          model.OpUpdate,
		Payload:     []byte(payload),
		ContentHash: hash,
		ChangedAt:   time.Now(),
	}
}

// TestHandleRegister tests installation registration over HTTP
func TestHandleRegister(t *testing.T) {
	ts, _ := newTestServer(t)

	client := registerClient(t, ts)
	if client.ID == "" {
		t.Error("no client id assigned")
	}
	if client.TenantID != "t1" {
		t.Errorf("tenant = %q, want t1", client.TenantID)
	}
	if client.Status != model.ClientActive {
		t.Errorf("status = %s, want active", client.Status)
	}
}

// TestHandleRegister_UnknownTenant tests the 404 mapping
func TestHandleRegister_UnknownTenant(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/v1/register", RegisterRequest{TenantID: "nope", UserID: "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// TestHandlePushPullAck tests one full sync cycle between two clients
// over HTTP
func TestHandlePushPullAck(t *testing.T) {
	ts, _ := newTestServer(t)
	a := registerClient(t, ts)
	b := registerClient(t, ts)

	var pushResult engine.PushResult
	resp := postJSON(t, ts, "/v1/push", PushRequest{
		TenantID: "t1", ClientID: a.ID,
		Changes: []model.Change{testChange(t, "r1", 0, `{"total":10}`)},
	}, &pushResult)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push returned %d, want 200", resp.StatusCode)
	}
	if len(pushResult.Applied) != 1 || pushResult.Applied[0].Version != 1 {
		t.Fatalf("push result: %+v", pushResult)
	}

	var pullResult engine.PullResult
	resp = postJSON(t, ts, "/v1/pull", PullRequest{TenantID: "t1", ClientID: b.ID}, &pullResult)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull returned %d, want 200", resp.StatusCode)
	}
	if len(pullResult.Items) != 1 {
		t.Fatalf("pulled %d items, want 1", len(pullResult.Items))
	}

	resp = postJSON(t, ts, "/v1/ack", AckRequest{
		TenantID: "t1", ClientID: b.ID, BatchID: pullResult.BatchID, OK: true,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack returned %d, want 200", resp.StatusCode)
	}

	// After the ack the batch is settled and nothing more is owed.
	resp = postJSON(t, ts, "/v1/pull", PullRequest{
		TenantID: "t1", ClientID: b.ID, SinceVersion: pullResult.NextCursor,
	}, &pullResult)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second pull returned %d", resp.StatusCode)
	}
	if len(pullResult.Items) != 0 {
		t.Errorf("second pull returned %d items, want 0", len(pullResult.Items))
	}
}

// TestHandlePush_TenantMismatch tests the 403 mapping and stable code
func TestHandlePush_TenantMismatch(t *testing.T) {
	ts, eng := newTestServer(t)
	a := registerClient(t, ts)
	if _, err := eng.CreateTenant(context.Background(), "t2", "Other", "", 0); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}

	var errResp errorResponse
	resp := postJSON(t, ts, "/v1/push", PushRequest{
		TenantID: "t2", ClientID: a.ID,
		Changes: []model.Change{testChange(t, "r1", 0, `{}`)},
	}, &errResp)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if errResp.Code != "tenant_mismatch" {
		t.Errorf("code = %q, want tenant_mismatch", errResp.Code)
	}
}

// TestHandlePush_BadJSON tests the 400 mapping
func TestHandlePush_BadJSON(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/push", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestHandleDeadLetters tests the operator listing endpoint
func TestHandleDeadLetters(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/deadletters?tenant=t1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var items []*model.QueueItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d dead letters, want 0", len(items))
	}

	// Missing tenant parameter is a client error.
	resp, err = http.Get(ts.URL + "/v1/deadletters")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestHandleHealth tests the liveness endpoint
func TestHandleHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestStatusFor tests the error-to-status mapping
func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrTenantMismatch, http.StatusForbidden},
		{model.ErrClientRevoked, http.StatusForbidden},
		{model.ErrReadOnly, http.StatusForbidden},
		{model.ErrVersionConflict, http.StatusConflict},
		{model.ErrIntegrityMismatch, http.StatusUnprocessableEntity},
		{model.ErrLimitExceeded, http.StatusTooManyRequests},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
