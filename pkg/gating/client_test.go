package gating

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEvaluate_Pass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["subject_identifier"] != "registry.example.com/ns/bundle@sha256:abc" {
			t.Errorf("unexpected subject: %v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{"policies_satisfied": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	d, err := c.Evaluate(context.Background(), "registry.example.com/ns/bundle@sha256:abc", []string{"prod"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Satisfied {
		t.Error("expected pass decision")
	}
}

func TestEvaluate_FailCarriesDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"policies_satisfied":       false,
			"unsatisfied_requirements": []string{"missing signature", "test results absent"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.Require(context.Background(), "registry.example.com/ns/bundle@sha256:abc", nil)
	if err == nil {
		t.Fatal("expected denial error")
	}
	if !strings.Contains(err.Error(), "missing signature") {
		t.Errorf("expected diagnostics in error, got %v", err)
	}
}

func TestEvaluate_UnreachableIsFatal(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/decision", 200*time.Millisecond)
	_, err := c.Evaluate(context.Background(), "registry.example.com/ns/bundle@sha256:abc", nil)
	if err == nil {
		t.Fatal("expected error for unreachable service")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("expected unreachable error, got %v", err)
	}
}

func TestEvaluate_NonOKStatusIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Evaluate(context.Background(), "registry.example.com/ns/bundle@sha256:abc", nil); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
