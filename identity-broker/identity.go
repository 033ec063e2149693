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

// IdentityService manages the encrypted attribute bundles of a profile.
// Bundles are encrypted with a key derived from the owner's wallet
// signature, so the broker can only produce plaintext while the owner is
// presenting that signature.
type IdentityService struct {
	store    *storage.Store
	verifier *VerifierClient
}

// NewIdentityService creates the identity service.
func NewIdentityService(store *storage.Store, verifier *VerifierClient) *IdentityService {
	return &IdentityService{store: store, verifier: verifier}
}

// IdentityView is the caller-facing shape of a bundle. Data carries the
// best-effort decrypted attributes and is null when decryption with the
// supplied signature failed for that row.
type IdentityView struct {
	ID          string          `json:"id"`
	Context     string          `json:"context"`
	Description string          `json:"description"`
	Issued      time.Time       `json:"issued"`
	IsActive    bool            `json:"is_active"`
	HasAvatar   bool            `json:"has_avatar"`
	Data        json.RawMessage `json:"decrypted_data"`
}

// CreateIdentity verifies a submitted IdentityCredential and stores its
// subject attributes as a new encrypted bundle owned by the caller.
func (s *IdentityService) CreateIdentity(ctx context.Context, caller *TokenClaims, credential json.RawMessage, signature string, avatar []byte) (*IdentityView, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: signature is missing", ErrValidation)
	}

	cred, err := ParseCredential(credential)
	if err != nil {
		return nil, err
	}

	if _, err := s.verifier.VerifyCredential(ctx, cred.Raw); err != nil {
		return nil, err
	}

	sub, err := cred.IdentitySubject()
	if err != nil {
		return nil, err
	}

	attrs, err := json.Marshal(sub.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}

	encData, err := encryptWithSignature(attrs, signature, salt)
	if err != nil {
		return nil, err
	}

	ident := &storage.Identity{
		ID:          uuid.NewString(),
		ProfileID:   caller.ProfileID,
		Context:     sub.Context,
		Description: sub.Description,
		Avatar:      avatar,
		Issued:      time.Now().UTC(),
		EncData:     encData,
		Salt:        salt,
		IsActive:    true,
	}

	if err := s.store.CreateIdentity(ident); err != nil {
		if err == storage.ErrDuplicate {
			return nil, fmt.Errorf("%w: identity with this context and description already exists", ErrConflict)
		}
		return nil, err
	}

	log.Info().Str("identity", ident.ID).Str("context", ident.Context).Msg("Identity bundle created")

	return &IdentityView{
		ID:          ident.ID,
		Context:     ident.Context,
		Description: ident.Description,
		Issued:      ident.Issued,
		IsActive:    ident.IsActive,
		HasAvatar:   len(ident.Avatar) > 0,
		Data:        attrs,
	}, nil
}

// ListIdentities returns the caller's bundles, newest first, each decorated
// with the decrypted payload where the supplied signature can open it. A row
// that fails to decrypt gets a null payload instead of failing the listing.
func (s *IdentityService) ListIdentities(caller *TokenClaims, signature string) ([]*IdentityView, error) {
	idents, err := s.store.ListIdentitiesByProfile(caller.ProfileID)
	if err != nil {
		return nil, err
	}

	views := make([]*IdentityView, 0, len(idents))
	for _, ident := range idents {
		view := &IdentityView{
			ID:          ident.ID,
			Context:     ident.Context,
			Description: ident.Description,
			Issued:      ident.Issued,
			IsActive:    ident.IsActive,
			HasAvatar:   len(ident.Avatar) > 0,
		}

		if signature != "" {
			plaintext, err := decryptWithSignature(ident.EncData, signature, ident.Salt)
			if err != nil {
				log.Debug().Str("identity", ident.ID).Msg("Bundle not decryptable with supplied signature")
			} else {
				view.Data = plaintext
			}
		}

		views = append(views, view)
	}
	return views, nil
}

// SetActive toggles the visibility flag of one of the caller's bundles.
func (s *IdentityService) SetActive(caller *TokenClaims, identityID string, active bool) error {
	ident, err := s.store.GetIdentity(identityID)
	if err != nil {
		return err
	}
	if ident == nil {
		return fmt.Errorf("%w: identity does not exist", ErrNotFound)
	}
	if ident.ProfileID != caller.ProfileID {
		return fmt.Errorf("%w: identity belongs to another profile", ErrForbidden)
	}

	if _, err := s.store.SetIdentityActive(identityID, caller.ProfileID, active); err != nil {
		return err
	}
	return nil
}

// MassDelete removes the caller's bundles among ids in one transaction and
// returns how many were deleted. Ids owned by other profiles are ignored;
// if nothing matched the call fails with ErrNotFound. Dependent requests
// and shared data cascade away with the bundles.
func (s *IdentityService) MassDelete(ctx context.Context, caller *TokenClaims, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no identity ids provided", ErrValidation)
	}

	n, err := s.store.DeleteIdentities(ctx, caller.ProfileID, ids)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no matching identities", ErrNotFound)
	}

	log.Info().Int64("count", n).Str("profile", caller.ProfileID).Msg("Identity bundles deleted")
	return n, nil
}

// ListContexts returns the active bundles of the holder with the given DID,
// without payloads, so a requestor can discover what can be asked for.
func (s *IdentityService) ListContexts(did string) ([]*IdentityView, error) {
	if did == "" {
		return nil, fmt.Errorf("%w: did is missing", ErrValidation)
	}

	profile, err := s.store.GetProfileByDID(did)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: no profile for this DID", ErrNotFound)
	}

	idents, err := s.store.ListActiveContextsByDID(did)
	if err != nil {
		return nil, err
	}

	views := make([]*IdentityView, 0, len(idents))
	for _, ident := range idents {
		views = append(views, &IdentityView{
			ID:          ident.ID,
			Context:     ident.Context,
			Description: ident.Description,
			Issued:      ident.Issued,
			IsActive:    true,
		})
	}
	return views, nil
}
