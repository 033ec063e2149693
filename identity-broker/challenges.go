package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sleepy9988/decent-identity/identity-broker/storage"
)

// Challenge purposes. Each purpose has its own slot per session; a login
// challenge can never satisfy a request-creation validation.
const (
	PurposeLogin   = "login"
	PurposeRequest = "request"
)

// challengeTTL is how long an issued challenge stays valid.
const challengeTTL = 300 * time.Second

// ChallengeStore issues and validates short-lived nonces, keyed by
// (caller session, purpose) and persisted so that validation does not
// depend on server-side session affinity.
type ChallengeStore struct {
	store *storage.Store
	now   func() time.Time
}

// NewChallengeStore creates a challenge store backed by the given database.
func NewChallengeStore(store *storage.Store) *ChallengeStore {
	return &ChallengeStore{store: store, now: time.Now}
}

// Issue generates a random hex token, stores it in the (session, purpose)
// slot and returns it. Issuing replaces any previous challenge in the slot.
func (c *ChallengeStore) Issue(sessionID, purpose string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	token := hex.EncodeToString(buf)

	err := c.store.UpsertChallenge(&storage.Challenge{
		SessionID: sessionID,
		Purpose:   purpose,
		Value:     token,
		IssuedAt:  c.now(),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Validate checks the received value against the stored slot. The slot is
// consumed on success and on expiry, so a token can never be replayed and
// an expired one cannot be probed again.
func (c *ChallengeStore) Validate(sessionID, purpose, received string) error {
	stored, err := c.store.GetChallenge(sessionID, purpose)
	if err != nil {
		return err
	}
	if stored == nil {
		return ErrChallengeMissing
	}

	if c.now().Sub(stored.IssuedAt) > challengeTTL {
		if err := c.store.DeleteChallenge(sessionID, purpose); err != nil {
			return err
		}
		return ErrChallengeExpired
	}

	if err := c.store.DeleteChallenge(sessionID, purpose); err != nil {
		return err
	}

	if received != stored.Value {
		return ErrChallengeMismatch
	}
	return nil
}

// Sweep periodically removes expired challenge slots until the context is
// cancelled.
func (c *ChallengeStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.DeleteExpiredChallenges(c.now().Add(-challengeTTL))
			if err != nil {
				log.Warn().Err(err).Msg("Challenge sweep failed")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("Swept expired challenges")
			}
		}
	}
}
