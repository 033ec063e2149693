package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Token kinds carried in the "use" claim.
const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// TokenIssuer mints and validates the access/refresh token pair handed out
// after a successful authentication. Tokens are Ed25519-signed JWTs carrying
// the profile id as subject and the DID as a private claim.
type TokenIssuer struct {
	issuer     string
	signKey    ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer creates a token issuer with the given signing key. When key
// is nil a fresh keypair is generated; tokens then do not survive a restart,
// which is acceptable for development.
func NewTokenIssuer(issuer string, key ed25519.PrivateKey, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if key == nil {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		key = generated
	}

	return &TokenIssuer{
		issuer:     issuer,
		signKey:    key,
		verifyKey:  key.Public().(ed25519.PublicKey),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// TokenPair is the access/refresh pair returned to an authenticated caller.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenClaims is the validated content of a presented token.
type TokenClaims struct {
	ProfileID string
	DID       string
}

// Issue mints a fresh access/refresh pair for a profile.
func (t *TokenIssuer) Issue(profileID, did string) (*TokenPair, error) {
	access, err := t.mint(profileID, did, tokenUseAccess, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.mint(profileID, did, tokenUseRefresh, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

func (t *TokenIssuer) mint(profileID, did, use string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(t.issuer).
		Subject(profileID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("did", did).
		Claim("use", use).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.EdDSA, t.signKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// ParseAccess validates an access token and returns its claims.
func (t *TokenIssuer) ParseAccess(token string) (*TokenClaims, error) {
	return t.parse(token, tokenUseAccess)
}

// ParseRefresh validates a refresh token and returns its claims.
func (t *TokenIssuer) ParseRefresh(token string) (*TokenClaims, error) {
	return t.parse(token, tokenUseRefresh)
}

func (t *TokenIssuer) parse(token, use string) (*TokenClaims, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.EdDSA, t.verifyKey),
		jwt.WithIssuer(t.issuer),
		jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", ErrForbidden)
	}

	claims := tok.PrivateClaims()
	if got, _ := claims["use"].(string); got != use {
		return nil, fmt.Errorf("%w: wrong token use", ErrForbidden)
	}

	did, _ := claims["did"].(string)
	if tok.Subject() == "" || did == "" {
		return nil, fmt.Errorf("%w: incomplete token claims", ErrForbidden)
	}

	return &TokenClaims{ProfileID: tok.Subject(), DID: did}, nil
}
