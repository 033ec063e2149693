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

// Decision actions on a pending request.
const (
	ActionApprove = "approve"
	ActionDecline = "decline"
)

const (
	defaultDeclineReason = "No reason provided."
	revokedReason        = "Access revoked by holder"

	// defaultListLimit caps request listings unless the caller asks for less.
	defaultListLimit = 200
)

// RequestService runs the access-request state machine: creation gated by
// challenge and credential verification, holder decisions, grant retrieval
// and revocation. Approval performs the envelope re-encryption: holder data
// is decrypted with the holder's signature, re-encrypted under a fresh DEK,
// and the DEK is wrapped for the requestor.
type RequestService struct {
	store      *storage.Store
	challenges *ChallengeStore
	verifier   *VerifierClient
	notifier   Notifier
	now        func() time.Time
}

// NewRequestService creates the request lifecycle service.
func NewRequestService(store *storage.Store, challenges *ChallengeStore, verifier *VerifierClient, notifier Notifier) *RequestService {
	return &RequestService{
		store:      store,
		challenges: challenges,
		verifier:   verifier,
		notifier:   notifier,
		now:        time.Now,
	}
}

// RequestView is the caller-facing shape of a request.
type RequestView struct {
	ID           string     `json:"id"`
	RequestorDID string     `json:"requestor_did"`
	HolderDID    string     `json:"holder_did"`
	IdentityID   string     `json:"context_id"`
	Context      string     `json:"context,omitempty"`
	Purpose      string     `json:"purpose"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IssueChallenge issues a request-creation challenge for the caller session.
func (s *RequestService) IssueChallenge(sessionID string) (string, error) {
	return s.challenges.Issue(sessionID, PurposeRequest)
}

// CreateRequest registers a pending access request from a verified
// RequestCredential presentation. The presentation is verified first; only
// then is the challenge consumed, so a verifier outage never burns the
// caller's challenge. At most one pending request may exist per
// (requestor, context).
func (s *RequestService) CreateRequest(ctx context.Context, caller *TokenClaims, sessionID string, presentation json.RawMessage, challenge string) (*RequestView, error) {
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
	if len(pres.Credentials) == 0 {
		return nil, fmt.Errorf("%w: presentation carries no credential", ErrValidation)
	}

	verified, err := s.verifier.VerifyPresentation(ctx, pres.Raw, challenge)
	if err != nil {
		return nil, err
	}

	if err := s.challenges.Validate(sessionID, PurposeRequest, challenge); err != nil {
		return nil, err
	}

	cred, err := ParseCredential(pres.Credentials[0])
	if err != nil {
		return nil, err
	}
	sub, err := cred.RequestSubject()
	if err != nil {
		return nil, err
	}

	// The request must be made by the verified presenter for themselves.
	if sub.RequestorDID != verified.Issuer || sub.RequestorDID != caller.DID {
		return nil, fmt.Errorf("%w: requestor does not match verified presenter", ErrForbidden)
	}

	requestor, err := s.store.GetProfileByDID(sub.RequestorDID)
	if err != nil {
		return nil, err
	}
	if requestor == nil {
		return nil, fmt.Errorf("%w: requestor profile does not exist", ErrNotFound)
	}

	holder, err := s.store.GetProfileByDID(sub.HolderDID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, fmt.Errorf("%w: holder profile does not exist", ErrNotFound)
	}

	ident, err := s.store.GetIdentity(sub.ContextID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, fmt.Errorf("%w: identity context does not exist", ErrNotFound)
	}
	if ident.ProfileID != holder.ID {
		return nil, fmt.Errorf("%w: identity context does not belong to holder", ErrValidation)
	}

	now := s.now().UTC()
	req := &storage.Request{
		ID:                 uuid.NewString(),
		RequestorID:        requestor.ID,
		HolderID:           holder.ID,
		IdentityID:         ident.ID,
		Purpose:            sub.Purpose,
		Status:             storage.StatusPending,
		Challenge:          challenge,
		Presentation:       pres.Raw,
		RequestorSignature: sub.RequestorSignature,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.CreateRequest(req); err != nil {
		if err == storage.ErrDuplicate {
			return nil, fmt.Errorf("%w: a pending request for this context already exists", ErrConflict)
		}
		return nil, err
	}

	log.Info().Str("request", req.ID).Str("requestor", sub.RequestorDID).
		Str("holder", sub.HolderDID).Msg("Access request created")

	s.notifier.Notify(holder.DID, Event{
		Type:      EventNewRequest,
		RequestID: req.ID,
		Context:   ident.Context,
		From:      requestor.DID,
	})

	return s.view(req, requestor.DID, holder.DID, ident.Context), nil
}

// ListRequests returns requests where the caller is requestor or holder,
// newest first, optionally filtered by status.
func (s *RequestService) ListRequests(caller *TokenClaims, statusFilter string, limit int) ([]*RequestView, error) {
	switch statusFilter {
	case "", storage.StatusPending, storage.StatusApproved, storage.StatusDeclined:
	default:
		return nil, fmt.Errorf("%w: unknown status filter %q", ErrValidation, statusFilter)
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	reqs, err := s.store.ListRequestsForProfile(caller.ProfileID, statusFilter, limit)
	if err != nil {
		return nil, err
	}

	views := make([]*RequestView, 0, len(reqs))
	for _, req := range reqs {
		view, err := s.resolveView(req)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// DecideRequest applies the holder's approve or decline decision to a
// pending request. Approval re-encrypts the disclosed attributes for the
// requestor and stores the grant atomically with the status flip; if any
// step fails the request stays pending.
func (s *RequestService) DecideRequest(ctx context.Context, caller *TokenClaims, requestID, action, reason string, expiresAt *time.Time, holderSignature string) (*RequestView, error) {
	req, err := s.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request does not exist", ErrNotFound)
	}
	if req.HolderID != caller.ProfileID {
		return nil, fmt.Errorf("%w: only the holder may decide a request", ErrForbidden)
	}
	if req.Status != storage.StatusPending {
		return nil, fmt.Errorf("%w: request is already %s", ErrConflict, req.Status)
	}

	switch action {
	case ActionDecline:
		if reason == "" {
			reason = defaultDeclineReason
		}
		if err := s.store.DeclineRequest(req.ID, reason, s.now().UTC()); err != nil {
			if err == storage.ErrNotPending {
				return nil, fmt.Errorf("%w: request is no longer pending", ErrConflict)
			}
			return nil, err
		}

	case ActionApprove:
		if err := s.approve(ctx, req, expiresAt, holderSignature); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}

	updated, err := s.store.GetRequest(req.ID)
	if err != nil {
		return nil, err
	}

	view, err := s.resolveView(updated)
	if err != nil {
		return nil, err
	}

	log.Info().Str("request", req.ID).Str("status", updated.Status).Msg("Request decided")

	s.notifier.Notify(view.RequestorDID, Event{
		Type:      EventRequestAnswer,
		RequestID: req.ID,
		Status:    updated.Status,
		From:      caller.DID,
	})

	return view, nil
}

func (s *RequestService) approve(ctx context.Context, req *storage.Request, expiresAt *time.Time, holderSignature string) error {
	now := s.now().UTC()

	if expiresAt != nil && !expiresAt.After(now) {
		return fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	if holderSignature == "" {
		return fmt.Errorf("%w: holder signature is required for approval", ErrValidation)
	}
	if req.RequestorSignature == "" {
		return fmt.Errorf("%w: request carries no requestor signature", ErrValidation)
	}

	ident, err := s.store.GetIdentity(req.IdentityID)
	if err != nil {
		return err
	}
	if ident == nil {
		return fmt.Errorf("%w: identity context no longer exists", ErrNotFound)
	}

	plaintext, err := decryptWithSignature(ident.EncData, holderSignature, ident.Salt)
	if err != nil {
		return fmt.Errorf("%w: stored attributes could not be decrypted", ErrUnprocessable)
	}

	dek, err := generateDataKey()
	if err != nil {
		return err
	}
	defer zeroBytes(dek)

	encData, err := encryptWithKey(plaintext, dek)
	if err != nil {
		return err
	}

	salt, err := generateSalt()
	if err != nil {
		return err
	}
	wrapped, err := wrapKey(dek, req.RequestorSignature, salt)
	if err != nil {
		return err
	}

	shared := &storage.SharedData{
		RequestID: req.ID,
		EncData:   encData,
		EncKey:    wrapped,
		Salt:      salt,
		CreatedAt: now,
	}

	if err := s.store.ApproveRequest(ctx, req.ID, req.HolderID, expiresAt, shared); err != nil {
		if err == storage.ErrNotPending {
			return fmt.Errorf("%w: request is no longer pending", ErrConflict)
		}
		return err
	}
	return nil
}

// DeleteRequest removes a request. Only the requestor may delete, and only
// while the request is still pending.
func (s *RequestService) DeleteRequest(caller *TokenClaims, requestID string) error {
	req, err := s.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("%w: request does not exist", ErrNotFound)
	}
	if req.RequestorID != caller.ProfileID {
		return fmt.Errorf("%w: only the requestor may delete a request", ErrForbidden)
	}
	if req.Status != storage.StatusPending {
		return fmt.Errorf("%w: only pending requests can be deleted", ErrConflict)
	}

	deleted, err := s.store.DeleteRequest(requestID, caller.ProfileID)
	if err != nil {
		return err
	}
	if !deleted {
		// Lost a race against a concurrent decision.
		return fmt.Errorf("%w: request is no longer pending", ErrConflict)
	}

	log.Info().Str("request", requestID).Msg("Pending request deleted")
	return nil
}

// RetrieveSharedData unwraps and decrypts an approved grant for the
// requestor. Every cryptographic failure collapses into ErrForbidden so the
// caller cannot tell a wrong signature from a corrupted grant.
func (s *RequestService) RetrieveSharedData(caller *TokenClaims, requestID, signature string) (json.RawMessage, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: signature is missing", ErrValidation)
	}

	req, err := s.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request does not exist", ErrNotFound)
	}
	if req.RequestorID != caller.ProfileID {
		return nil, fmt.Errorf("%w: only the requestor may access shared data", ErrForbidden)
	}
	if req.Status != storage.StatusApproved {
		return nil, fmt.Errorf("%w: request is not approved", ErrForbidden)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now().UTC()) {
		return nil, fmt.Errorf("%w: access has expired", ErrForbidden)
	}

	shared, err := s.store.GetSharedData(req.ID)
	if err != nil {
		return nil, err
	}
	if shared == nil {
		return nil, fmt.Errorf("%w: no shared data for this request", ErrForbidden)
	}

	dek, err := unwrapKey(shared.EncKey, signature, shared.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: shared data is not accessible", ErrForbidden)
	}
	defer zeroBytes(dek)

	plaintext, err := decryptWithKey(shared.EncData, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: shared data is not accessible", ErrForbidden)
	}

	return plaintext, nil
}

// RevokeSharedData lets the holder withdraw a grant: the shared data row is
// deleted and, for approved requests, the expiry is forced to now. The
// status stays approved; the past expiry is what readers treat as revoked.
func (s *RequestService) RevokeSharedData(ctx context.Context, caller *TokenClaims, requestID string) error {
	req, err := s.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("%w: request does not exist", ErrNotFound)
	}
	if req.HolderID != caller.ProfileID {
		return fmt.Errorf("%w: only the holder may revoke shared data", ErrForbidden)
	}

	if err := s.store.RevokeSharedData(ctx, req.ID, revokedReason, s.now().UTC()); err != nil {
		return err
	}

	requestor, err := s.store.GetProfileByID(req.RequestorID)
	if err != nil {
		return err
	}

	log.Info().Str("request", req.ID).Msg("Shared data revoked")

	if requestor != nil {
		s.notifier.Notify(requestor.DID, Event{
			Type:      EventAccessRevoked,
			RequestID: req.ID,
			From:      caller.DID,
		})
	}
	return nil
}

func (s *RequestService) resolveView(req *storage.Request) (*RequestView, error) {
	requestor, err := s.store.GetProfileByID(req.RequestorID)
	if err != nil {
		return nil, err
	}
	holder, err := s.store.GetProfileByID(req.HolderID)
	if err != nil {
		return nil, err
	}

	var requestorDID, holderDID string
	if requestor != nil {
		requestorDID = requestor.DID
	}
	if holder != nil {
		holderDID = holder.DID
	}

	var context string
	ident, err := s.store.GetIdentity(req.IdentityID)
	if err != nil {
		return nil, err
	}
	if ident != nil {
		context = ident.Context
	}

	return s.view(req, requestorDID, holderDID, context), nil
}

func (s *RequestService) view(req *storage.Request, requestorDID, holderDID, context string) *RequestView {
	return &RequestView{
		ID:           req.ID,
		RequestorDID: requestorDID,
		HolderDID:    holderDID,
		IdentityID:   req.IdentityID,
		Context:      context,
		Purpose:      req.Purpose,
		Status:       req.Status,
		Reason:       req.Reason,
		ExpiresAt:    req.ExpiresAt,
		ApprovedAt:   req.ApprovedAt,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
	}
}
