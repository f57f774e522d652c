package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStartRun_ReturnsRunID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows/my-wf/runs" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"runId": "run-123"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	runID, err := c.StartRun(context.Background(), "my-wf", StartRunRequest{Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if runID != "run-123" {
		t.Errorf("runID = %q, want run-123", runID)
	}
}

func TestStartRun_ErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.StartRun(context.Background(), "my-wf", StartRunRequest{Input: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestCancelRun_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-123/cancel" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.CancelRun(context.Background(), "run-123"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
}

func TestGetRun_DecodesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RunStatus{RunID: "run-123", Status: "completed"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	status, err := c.GetRun(context.Background(), "run-123")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if status.Status != "completed" {
		t.Errorf("status = %q, want completed", status.Status)
	}
}

func TestGetRun_NotFoundReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}
