package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(io.Discard, "", 0)
}

// TestList_UnwrapsEnvelope tests collection decoding through the
// response envelope
func TestList_UnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions" {
			t.Errorf("path = %s, want /transactions", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "data": [
			{"id": "srv-1", "amount": "42.50", "updated_at": "2026-08-01T10:00:00Z"},
			{"id": 7, "amount": "9.99", "updated_at": "2026-08-02T11:30:00Z"}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, srv.Client(), testLogger(t))
	remotes, err := c.List(context.Background(), model.KindTransaction)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(remotes) != 2 {
		t.Fatalf("List() returned %d entities, want 2", len(remotes))
	}
	if remotes[0].ID != "srv-1" {
		t.Errorf("remotes[0].ID = %s, want srv-1", remotes[0].ID)
	}
	// Integer server keys are normalized to strings.
	if remotes[1].ID != "7" {
		t.Errorf("remotes[1].ID = %s, want 7", remotes[1].ID)
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !remotes[0].UpdatedAt.Equal(want) {
		t.Errorf("remotes[0].UpdatedAt = %v, want %v", remotes[0].UpdatedAt, want)
	}
	if remotes[0].Fields["amount"] != "42.50" {
		t.Errorf("amount = %v, want 42.50", remotes[0].Fields["amount"])
	}
}

// TestGet_NotFound tests the 404 mapping
func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success": false, "message": "no such transaction"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, srv.Client(), testLogger(t))
	_, err := c.Get(context.Background(), model.KindTransaction, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestCreate_SendsBearerToken tests auth header and body plumbing
func TestCreate_SendsBearerToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"success": true, "data": {"id": "srv-9", "amount": "5.00", "updated_at": "2026-08-10T09:00:00Z"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("sekrit"), srv.Client(), testLogger(t))
	remote, err := c.Create(context.Background(), model.KindTransaction, map[string]any{"amount": "5.00"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if gotAuth != "Bearer sekrit" {
		t.Errorf("Authorization = %q, want Bearer sekrit", gotAuth)
	}
	if gotBody["amount"] != "5.00" {
		t.Errorf("request body amount = %v, want 5.00", gotBody["amount"])
	}
	if remote.ID != "srv-9" {
		t.Errorf("remote.ID = %s, want srv-9", remote.ID)
	}
}

// TestUpdate_RejectionIsPermanent tests that a non-404 4xx surfaces as
// a RejectionError, distinguishable from transient failures
func TestUpdate_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"success": false, "message": "amount must be positive"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, srv.Client(), testLogger(t))
	_, err := c.Update(context.Background(), model.KindTransaction, "t1", map[string]any{"amount": "-1"})
	if !IsRejection(err) {
		t.Fatalf("Update() error = %v, want a rejection", err)
	}
	var re *RejectionError
	errors.As(err, &re)
	if re.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", re.StatusCode)
	}
	if re.Message != "amount must be positive" {
		t.Errorf("Message = %q", re.Message)
	}
}

// TestDo_ServerErrorIsTransient tests that 5xx responses are neither
// not-found nor rejections
func TestDo_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, srv.Client(), testLogger(t))
	_, err := c.Get(context.Background(), model.KindAccount, "a1")
	if err == nil {
		t.Fatal("Get() succeeded against a 502 server")
	}
	if errors.Is(err, ErrNotFound) || IsRejection(err) {
		t.Errorf("502 classified as %v, want a plain transient error", err)
	}
}

// TestDo_EnvelopeFailure tests a 200 response whose envelope reports
// failure
func TestDo_EnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "maintenance window"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, srv.Client(), testLogger(t))
	_, err := c.List(context.Background(), model.KindAccount)
	if err == nil {
		t.Fatal("List() succeeded despite success=false")
	}
	if errors.Is(err, ErrNotFound) || IsRejection(err) {
		t.Errorf("envelope failure classified as %v", err)
	}
}

// TestDelete_NotFound tests 404 mapping on delete
func TestDelete_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, srv.Client(), testLogger(t))
	err := c.Delete(context.Background(), model.KindTransaction, "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}
