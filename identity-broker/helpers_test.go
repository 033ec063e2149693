package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sleepy9988/decent-identity/identity-broker/storage"
)

// newTestStore opens an in-memory database for one test.
func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// verifierStub is a fake credential verifier agent. It verifies everything
// unless told otherwise, reporting the configured issuer.
type verifierStub struct {
	verified bool
	issuer   string
	calls    int
}

// newTestVerifier starts an httptest server speaking the verifier contract
// and returns a client bound to it.
func newTestVerifier(t *testing.T, stub *verifierStub) *VerifierClient {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls++
		var body struct {
			Presentation json.RawMessage `json:"presentation"`
			Credential   json.RawMessage `json:"credential"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		issuer := stub.issuer
		if issuer == "" {
			// Mirror the holder/issuer from the submitted payload.
			var pres struct {
				Holder string `json:"holder"`
				Issuer struct {
					ID string `json:"id"`
				} `json:"issuer"`
			}
			if body.Presentation != nil {
				json.Unmarshal(body.Presentation, &pres)
				issuer = pres.Holder
			} else {
				json.Unmarshal(body.Credential, &pres)
				issuer = pres.Issuer.ID
			}
		}

		json.NewEncoder(w).Encode(map[string]any{
			"verified": stub.verified,
			"issuer":   issuer,
		})
	}))
	t.Cleanup(srv.Close)

	return NewVerifierClient(srv.URL, 11155111, 5*time.Second)
}

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	events []recordedEvent
}

type recordedEvent struct {
	DID   string
	Event Event
}

func (r *recordingNotifier) Notify(did string, event Event) {
	r.events = append(r.events, recordedEvent{DID: did, Event: event})
}

// createTestProfile inserts a profile for a DID and returns it with claims.
func createTestProfile(t *testing.T, store *storage.Store, did string) (*storage.Profile, *TokenClaims) {
	t.Helper()

	now := time.Now().UTC()
	profile := &storage.Profile{
		ID:           uuid.NewString(),
		DID:          did,
		CreatedAt:    now,
		LatestAccess: now,
	}
	if err := store.CreateProfile(profile); err != nil {
		t.Fatalf("Failed to create profile: %v", err)
	}
	return profile, &TokenClaims{ProfileID: profile.ID, DID: did}
}

// loginPresentation builds a minimal signed-presentation payload for a DID
// and challenge. Signature checking happens in the (stubbed) verifier, so
// the proof itself is omitted.
func loginPresentation(t *testing.T, did, challenge string) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"holder":    did,
		"type":      []string{"VerifiablePresentation"},
		"challenge": challenge,
	})
	if err != nil {
		t.Fatalf("Failed to marshal presentation: %v", err)
	}
	return raw
}

// requestPresentation builds a presentation wrapping a RequestCredential.
func requestPresentation(t *testing.T, requestorDID, holderDID, contextID, purpose, signature, challenge string) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"holder":    requestorDID,
		"type":      []string{"VerifiablePresentation"},
		"challenge": challenge,
		"verifiableCredential": []map[string]any{{
			"type":   []string{"VerifiableCredential", "RequestCredential"},
			"issuer": map[string]string{"id": requestorDID},
			"credentialSubject": map[string]string{
				"requestorDid":       requestorDID,
				"holderDid":          holderDID,
				"contextId":          contextID,
				"purpose":            purpose,
				"requestorSignature": signature,
			},
		}},
	})
	if err != nil {
		t.Fatalf("Failed to marshal presentation: %v", err)
	}
	return raw
}

// identityCredential builds an IdentityCredential payload.
func identityCredential(t *testing.T, did, context, description string, attrs map[string]string) json.RawMessage {
	t.Helper()

	subject := map[string]any{
		"id":          did,
		"context":     context,
		"description": description,
	}
	for k, v := range attrs {
		subject[k] = v
	}

	raw, err := json.Marshal(map[string]any{
		"type":              []string{"VerifiableCredential", "IdentityCredential"},
		"issuer":            map[string]string{"id": did},
		"credentialSubject": subject,
	})
	if err != nil {
		t.Fatalf("Failed to marshal credential: %v", err)
	}
	return raw
}
