package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// VerifierClient talks to the external credential verifier agent, which
// performs the actual VP/VC cryptographic verification. The broker treats it
// as a black box: it only consumes the {verified, issuer} result.
type VerifierClient struct {
	baseURL string
	domain  int64
	client  *http.Client
}

// NewVerifierClient creates a client for the verifier agent at baseURL.
// All calls are bounded by the given timeout.
func NewVerifierClient(baseURL string, domain int64, timeout time.Duration) *VerifierClient {
	return &VerifierClient{
		baseURL: baseURL,
		domain:  domain,
		client:  &http.Client{Timeout: timeout},
	}
}

// VerificationResult is the verifier's answer.
type VerificationResult struct {
	Verified bool
	Issuer   string
}

type verifyPresentationRequest struct {
	Presentation json.RawMessage `json:"presentation"`
	Challenge    string          `json:"challenge"`
	Domain       int64           `json:"domain"`
}

type verifyCredentialRequest struct {
	Credential json.RawMessage `json:"credential"`
}

type verifyResponse struct {
	Verified bool       `json:"verified"`
	Issuer   flexIssuer `json:"issuer"`
}

// flexIssuer decodes an issuer that may arrive as a bare DID string or as
// an object with an "id" field.
type flexIssuer struct {
	ID string
}

func (f *flexIssuer) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.ID = s
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	f.ID = obj.ID
	return nil
}

// VerifyPresentation asks the verifier to check a signed presentation
// against the issued challenge. A connectivity failure surfaces as
// ErrUpstreamUnavailable; a negative verdict as ErrVerificationFailed.
func (v *VerifierClient) VerifyPresentation(ctx context.Context, presentation json.RawMessage, challenge string) (*VerificationResult, error) {
	result, err := v.post(ctx, "/verify-presentation", verifyPresentationRequest{
		Presentation: presentation,
		Challenge:    challenge,
		Domain:       v.domain,
	})
	if err != nil {
		return nil, err
	}

	if !result.Verified || result.Issuer.ID == "" {
		return nil, ErrVerificationFailed
	}
	return &VerificationResult{Verified: true, Issuer: result.Issuer.ID}, nil
}

// VerifyCredential asks the verifier to check a single signed credential.
func (v *VerifierClient) VerifyCredential(ctx context.Context, credential json.RawMessage) (*VerificationResult, error) {
	result, err := v.post(ctx, "/verify-credential", verifyCredentialRequest{Credential: credential})
	if err != nil {
		return nil, err
	}

	if !result.Verified {
		return nil, ErrVerificationFailed
	}
	return &VerificationResult{Verified: true, Issuer: result.Issuer.ID}, nil
}

func (v *VerifierClient) post(ctx context.Context, endpoint string, payload any) (*verifyResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build verifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", endpoint).Msg("Verifier unreachable")
		return nil, ErrUpstreamUnavailable
	}
	defer resp.Body.Close()

	// The verifier reports an internal verification error as a 5xx; we
	// treat that as a failed verification, not an outage.
	if resp.StatusCode >= 500 {
		return nil, ErrVerificationFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verifier returned status %d", ErrVerificationFailed, resp.StatusCode)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode verifier response: %w", err)
	}
	return &result, nil
}
