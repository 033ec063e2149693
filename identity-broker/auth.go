package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sleepy9988/decent-identity/identity-broker/storage"
)

// AuthHandler authenticates callers via signed Verifiable Presentations and
// hands out access/refresh tokens. There are no passwords: a caller proves
// control of a DID by presenting a VP over a freshly issued challenge.
type AuthHandler struct {
	store      *storage.Store
	challenges *ChallengeStore
	verifier   *VerifierClient
	tokens     *TokenIssuer
}

// NewAuthHandler creates the authentication handler.
func NewAuthHandler(store *storage.Store, challenges *ChallengeStore, verifier *VerifierClient, tokens *TokenIssuer) *AuthHandler {
	return &AuthHandler{
		store:      store,
		challenges: challenges,
		verifier:   verifier,
		tokens:     tokens,
	}
}

// AuthResult is returned on successful authentication. Created reports
// whether a new profile was registered for the DID (first login) or an
// existing one was reused.
type AuthResult struct {
	ProfileID    string     `json:"profile_id"`
	DID          string     `json:"did"`
	Created      bool       `json:"created"`
	CreatedAt    time.Time  `json:"profile_created"`
	LatestAccess time.Time  `json:"profile_last_access"`
	Tokens       *TokenPair `json:"tokens"`
}

// IssueChallenge issues a login challenge for the caller session.
func (a *AuthHandler) IssueChallenge(sessionID string) (string, error) {
	return a.challenges.Issue(sessionID, PurposeLogin)
}

// Authenticate verifies a signed presentation against the session's login
// challenge and returns a token pair. A new profile is created on first
// login for a DID; later logins reuse the profile and update its latest
// access timestamp.
//
// The challenge is validated (and consumed) only after the verifier has
// confirmed the presentation, so a verifier outage leaves the challenge
// intact and the caller can simply retry.
func (a *AuthHandler) Authenticate(ctx context.Context, sessionID string, presentation json.RawMessage, challenge string) (*AuthResult, error) {
	pres, err := ParsePresentation(presentation)
	if err != nil {
		return nil, err
	}
	if challenge == "" {
		challenge = pres.Challenge
	}
	if challenge == "" {
		return nil, fmt.Errorf("%w: challenge is missing", ErrValidation)
	}

	result, err := a.verifier.VerifyPresentation(ctx, pres.Raw, challenge)
	if err != nil {
		return nil, err
	}

	if err := a.challenges.Validate(sessionID, PurposeLogin, challenge); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := false

	profile, err := a.store.GetProfileByDID(result.Issuer)
	if err != nil {
		return nil, err
	}

	if profile == nil {
		profile = &storage.Profile{
			ID:           uuid.NewString(),
			DID:          result.Issuer,
			CreatedAt:    now,
			LatestAccess: now,
		}
		if err := a.store.CreateProfile(profile); err != nil {
			// Concurrent first login for the same DID: reuse the row the
			// winner created.
			if err == storage.ErrDuplicate {
				profile, err = a.store.GetProfileByDID(result.Issuer)
				if err != nil || profile == nil {
					return nil, fmt.Errorf("failed to load profile after duplicate insert: %w", err)
				}
			} else {
				return nil, err
			}
		} else {
			created = true
			log.Info().Str("did", result.Issuer).Msg("New profile registered")
		}
	}

	if !created {
		if err := a.store.TouchProfile(profile.ID, now); err != nil {
			return nil, err
		}
		profile.LatestAccess = now
	}

	tokens, err := a.tokens.Issue(profile.ID, profile.DID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		ProfileID:    profile.ID,
		DID:          profile.DID,
		Created:      created,
		CreatedAt:    profile.CreatedAt,
		LatestAccess: profile.LatestAccess,
		Tokens:       tokens,
	}, nil
}

// Refresh exchanges a valid refresh token for a fresh token pair.
func (a *AuthHandler) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := a.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	profile, err := a.store.GetProfileByID(claims.ProfileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: profile no longer exists", ErrForbidden)
	}

	return a.tokens.Issue(profile.ID, profile.DID)
}

// DIDExists reports whether a profile is registered for the DID.
func (a *AuthHandler) DIDExists(did string) (bool, error) {
	profile, err := a.store.GetProfileByDID(did)
	if err != nil {
		return false, err
	}
	return profile != nil, nil
}

// Authorize validates an access token and resolves the caller's profile.
func (a *AuthHandler) Authorize(token string) (*TokenClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrForbidden)
	}
	return a.tokens.ParseAccess(token)
}
