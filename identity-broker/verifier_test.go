package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyPresentationSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify-presentation" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body struct {
			Challenge string `json:"challenge"`
			Domain    int64  `json:"domain"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Challenge != "abc123" {
			t.Errorf("Challenge = %q, want abc123", body.Challenge)
		}
		if body.Domain != 11155111 {
			t.Errorf("Domain = %d, want 11155111", body.Domain)
		}
		json.NewEncoder(w).Encode(map[string]any{"verified": true, "issuer": "did:example:1"})
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 11155111, 5*time.Second)
	result, err := client.VerifyPresentation(context.Background(), json.RawMessage(`{"holder":"did:example:1"}`), "abc123")
	if err != nil {
		t.Fatalf("VerifyPresentation failed: %v", err)
	}
	if result.Issuer != "did:example:1" {
		t.Fatalf("Issuer = %q, want did:example:1", result.Issuer)
	}
}

func TestVerifyPresentationIssuerObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"verified": true,
			"issuer":   map[string]string{"id": "did:example:2"},
		})
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 11155111, 5*time.Second)
	result, err := client.VerifyPresentation(context.Background(), json.RawMessage(`{}`), "abc")
	if err != nil {
		t.Fatalf("VerifyPresentation failed: %v", err)
	}
	if result.Issuer != "did:example:2" {
		t.Fatalf("Issuer = %q, want did:example:2", result.Issuer)
	}
}

func TestVerifyPresentationRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"verified": false})
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 11155111, 5*time.Second)
	_, err := client.VerifyPresentation(context.Background(), json.RawMessage(`{}`), "abc")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyPresentationMissingIssuer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"verified": true})
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 11155111, 5*time.Second)
	_, err := client.VerifyPresentation(context.Background(), json.RawMessage(`{}`), "abc")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifierUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewVerifierClient(srv.URL, 11155111, time.Second)
	_, err := client.VerifyPresentation(context.Background(), json.RawMessage(`{}`), "abc")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestVerifyCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify-credential" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"verified": true, "issuer": map[string]string{"id": "did:example:3"}})
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 11155111, 5*time.Second)
	result, err := client.VerifyCredential(context.Background(), json.RawMessage(`{"type":["VerifiableCredential"]}`))
	if err != nil {
		t.Fatalf("VerifyCredential failed: %v", err)
	}
	if !result.Verified {
		t.Fatal("Expected verified result")
	}
}

func TestVerifierInternalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 11155111, 5*time.Second)
	_, err := client.VerifyPresentation(context.Background(), json.RawMessage(`{}`), "abc")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}
