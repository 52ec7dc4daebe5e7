package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchDecodesDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"providedBy": "participant-1", "category": "health", "extra": true}`))
	}))
	defer srv.Close()

	desc, err := New(srv.Client()).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if desc.ProvidedBy != "participant-1" || desc.Category != "health" {
		t.Errorf("desc = %+v", desc)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := New(srv.Client()).Fetch(context.Background(), srv.URL); err == nil {
		t.Error("non-2xx status must fail")
	}
}

func TestFetchInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	if _, err := New(srv.Client()).Fetch(context.Background(), srv.URL); err == nil {
		t.Error("non-JSON body must fail")
	}
}
