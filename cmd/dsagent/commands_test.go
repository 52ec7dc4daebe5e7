package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// stubClient points the CLI at a test server for the duration of a test.
func stubClient(t *testing.T, srv *httptest.Server) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{
			baseURL:    srv.URL,
			httpClient: &http.Client{Timeout: 5 * time.Second},
		}, nil
	}
	t.Cleanup(func() { newAPIClient = orig })
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	t.Cleanup(srv.Close)
	stubClient(t, srv)

	if err := statusCmd.RunE(statusCmd, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestStatusCommandServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	stubClient(t, srv)

	if err := statusCmd.RunE(statusCmd, nil); err == nil {
		t.Fatal("expected error when the server is unreachable")
	}
}

func TestProfileShowCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/profiles/participant-1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"uri": "participant-1"})
	}))
	t.Cleanup(srv.Close)
	stubClient(t, srv)

	if err := profileShowCmd.RunE(profileShowCmd, []string{"participant-1"}); err != nil {
		t.Fatalf("profile show: %v", err)
	}
}

func TestNegotiateCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/profiles/participant-1/negotiation/contract" {
			http.NotFound(w, r)
			return
		}
		var contract map[string]any
		if err := json.NewDecoder(r.Body).Decode(&contract); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"canAccept": true})
	}))
	t.Cleanup(srv.Close)
	stubClient(t, srv)

	path := filepath.Join(t.TempDir(), "contract.json")
	contract := `{"status":"signed","serviceOfferings":[]}`
	if err := os.WriteFile(path, []byte(contract), 0o600); err != nil {
		t.Fatalf("writing contract: %v", err)
	}

	if err := negotiateCmd.RunE(negotiateCmd, []string{"participant-1", path}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
}

func TestNegotiateCommandBadFile(t *testing.T) {
	if err := negotiateCmd.RunE(negotiateCmd, []string{"participant-1", "/nonexistent/contract.json"}); err == nil {
		t.Fatal("expected error for missing contract file")
	}
}
