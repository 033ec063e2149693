package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// queueGroup makes broker instances form a stateless worker pool: each
// operation message is handled by exactly one instance.
const queueGroup = "identity-broker"

// MessageHandler binds broker operations to NATS request/reply subjects.
type MessageHandler struct {
	auth       *AuthHandler
	identities *IdentityService
	requests   *RequestService

	subs []*nats.Subscription
}

// NewMessageHandler creates the operation dispatcher.
func NewMessageHandler(auth *AuthHandler, identities *IdentityService, requests *RequestService) *MessageHandler {
	return &MessageHandler{
		auth:       auth,
		identities: identities,
		requests:   requests,
	}
}

// operation is one bound subject. Public operations skip token validation.
type operation struct {
	subject string
	public  bool
	handle  func(ctx context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error)
}

// Subscribe registers all broker operations on the connection.
func (mh *MessageHandler) Subscribe(conn *nats.Conn) error {
	ops := []operation{
		{subject: "broker.auth.challenge", public: true, handle: mh.handleAuthChallenge},
		{subject: "broker.auth.authenticate", public: true, handle: mh.handleAuthenticate},
		{subject: "broker.auth.refresh", public: true, handle: mh.handleRefresh},
		{subject: "broker.auth.did-exists", public: true, handle: mh.handleDIDExists},
		{subject: "broker.identity.create", handle: mh.handleIdentityCreate},
		{subject: "broker.identity.list", handle: mh.handleIdentityList},
		{subject: "broker.identity.set-active", handle: mh.handleIdentitySetActive},
		{subject: "broker.identity.mass-delete", handle: mh.handleIdentityMassDelete},
		{subject: "broker.identity.contexts", public: true, handle: mh.handleIdentityContexts},
		{subject: "broker.request.challenge", public: true, handle: mh.handleRequestChallenge},
		{subject: "broker.request.create", handle: mh.handleRequestCreate},
		{subject: "broker.request.list", handle: mh.handleRequestList},
		{subject: "broker.request.decide", handle: mh.handleRequestDecide},
		{subject: "broker.request.delete", handle: mh.handleRequestDelete},
		{subject: "broker.request.shared-data", handle: mh.handleSharedData},
		{subject: "broker.request.revoke", handle: mh.handleRevoke},
	}

	for _, op := range ops {
		op := op
		sub, err := conn.QueueSubscribe(op.subject, queueGroup, func(m *nats.Msg) {
			mh.dispatch(op, m)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", op.subject, err)
		}
		mh.subs = append(mh.subs, sub)
	}

	log.Info().Int("operations", len(ops)).Msg("Broker operations bound")
	return nil
}

// Drain unsubscribes all operations.
func (mh *MessageHandler) Drain() {
	for _, sub := range mh.subs {
		sub.Unsubscribe()
	}
	mh.subs = nil
}

func (mh *MessageHandler) dispatch(op operation, m *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var msg IncomingMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		mh.reply(m, errorMessage(fmt.Errorf("%w: malformed message envelope", ErrValidation)))
		return
	}

	var caller *TokenClaims
	if !op.public {
		claims, err := mh.auth.Authorize(msg.Token)
		if err != nil {
			mh.reply(m, errorMessage(err))
			return
		}
		caller = claims
	}

	out, err := op.handle(ctx, caller, &msg)
	if err != nil {
		log.Warn().Err(err).Str("subject", op.subject).Msg("Operation failed")
		mh.reply(m, errorMessage(err))
		return
	}
	mh.reply(m, out)
}

func (mh *MessageHandler) reply(m *nats.Msg, out *OutgoingMessage) {
	data, err := json.Marshal(out)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if err := m.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", m.Subject).Msg("Failed to send reply")
	}
}

// --- Auth operations ---

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

func (mh *MessageHandler) handleAuthChallenge(_ context.Context, _ *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	if msg.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is missing", ErrValidation)
	}
	challenge, err := mh.auth.IssueChallenge(msg.SessionID)
	if err != nil {
		return nil, err
	}
	return successMessage(200, challengeResponse{Challenge: challenge})
}

type authenticatePayload struct {
	Presentation json.RawMessage `json:"presentation"`
	Challenge    string          `json:"challenge"`
}

func (mh *MessageHandler) handleAuthenticate(ctx context.Context, _ *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload authenticatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}

	result, err := mh.auth.Authenticate(ctx, msg.SessionID, payload.Presentation, payload.Challenge)
	if err != nil {
		return nil, err
	}

	status := 200
	if result.Created {
		status = 201
	}
	return successMessage(status, result)
}

type refreshPayload struct {
	Refresh string `json:"refresh"`
}

func (mh *MessageHandler) handleRefresh(_ context.Context, _ *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload refreshPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Refresh == "" {
		return nil, fmt.Errorf("%w: refresh token is missing", ErrValidation)
	}

	pair, err := mh.auth.Refresh(payload.Refresh)
	if err != nil {
		return nil, err
	}
	return successMessage(200, pair)
}

type didExistsPayload struct {
	DID string `json:"did"`
}

func (mh *MessageHandler) handleDIDExists(_ context.Context, _ *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload didExistsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.DID == "" {
		return nil, fmt.Errorf("%w: did is missing", ErrValidation)
	}

	exists, err := mh.auth.DIDExists(payload.DID)
	if err != nil {
		return nil, err
	}
	return successMessage(200, map[string]bool{"exists": exists})
}

// --- Identity operations ---

type identityCreatePayload struct {
	Credential json.RawMessage `json:"credential"`
	Signature  string          `json:"signature"`
	Avatar     string          `json:"avatar,omitempty"` // base64
}

func (mh *MessageHandler) handleIdentityCreate(ctx context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload identityCreatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}

	var avatar []byte
	if payload.Avatar != "" {
		decoded, err := base64.StdEncoding.DecodeString(payload.Avatar)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid avatar encoding", ErrValidation)
		}
		avatar = decoded
	}

	view, err := mh.identities.CreateIdentity(ctx, caller, payload.Credential, payload.Signature, avatar)
	if err != nil {
		return nil, err
	}
	return successMessage(201, view)
}

type identityListPayload struct {
	Signature string `json:"signature"`
}

func (mh *MessageHandler) handleIdentityList(_ context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload identityListPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
		}
	}

	views, err := mh.identities.ListIdentities(caller, payload.Signature)
	if err != nil {
		return nil, err
	}
	return successMessage(200, views)
}

type identitySetActivePayload struct {
	ID       string `json:"id"`
	IsActive *bool  `json:"is_active"`
}

func (mh *MessageHandler) handleIdentitySetActive(_ context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload identitySetActivePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}
	if payload.ID == "" || payload.IsActive == nil {
		return nil, fmt.Errorf("%w: id and is_active are required", ErrValidation)
	}

	if err := mh.identities.SetActive(caller, payload.ID, *payload.IsActive); err != nil {
		return nil, err
	}
	return successMessage(200, map[string]bool{"is_active": *payload.IsActive})
}

type identityMassDeletePayload struct {
	IDs []string `json:"ids"`
}

func (mh *MessageHandler) handleIdentityMassDelete(ctx context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload identityMassDeletePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}

	n, err := mh.identities.MassDelete(ctx, caller, payload.IDs)
	if err != nil {
		return nil, err
	}
	return successMessage(200, map[string]int64{"deleted": n})
}

type contextsPayload struct {
	DID string `json:"did"`
}

func (mh *MessageHandler) handleIdentityContexts(_ context.Context, _ *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload contextsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}

	views, err := mh.identities.ListContexts(payload.DID)
	if err != nil {
		return nil, err
	}
	return successMessage(200, views)
}

// --- Request operations ---

func (mh *MessageHandler) handleRequestChallenge(_ context.Context, _ *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	if msg.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is missing", ErrValidation)
	}
	challenge, err := mh.requests.IssueChallenge(msg.SessionID)
	if err != nil {
		return nil, err
	}
	return successMessage(200, challengeResponse{Challenge: challenge})
}

type requestCreatePayload struct {
	Presentation json.RawMessage `json:"presentation"`
	Challenge    string          `json:"challenge"`
}

func (mh *MessageHandler) handleRequestCreate(ctx context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload requestCreatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}

	view, err := mh.requests.CreateRequest(ctx, caller, msg.SessionID, payload.Presentation, payload.Challenge)
	if err != nil {
		return nil, err
	}
	return successMessage(201, view)
}

type requestListPayload struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (mh *MessageHandler) handleRequestList(_ context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload requestListPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
		}
	}

	views, err := mh.requests.ListRequests(caller, payload.Status, payload.Limit)
	if err != nil {
		return nil, err
	}
	return successMessage(200, views)
}

type requestDecidePayload struct {
	ID        string     `json:"id"`
	Action    string     `json:"action"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Signature string     `json:"signature,omitempty"`
}

func (mh *MessageHandler) handleRequestDecide(ctx context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload requestDecidePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrValidation)
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("%w: request id is missing", ErrValidation)
	}

	view, err := mh.requests.DecideRequest(ctx, caller, payload.ID, payload.Action, payload.Reason, payload.ExpiresAt, payload.Signature)
	if err != nil {
		return nil, err
	}
	return successMessage(200, view)
}

type requestDeletePayload struct {
	ID string `json:"id"`
}

func (mh *MessageHandler) handleRequestDelete(_ context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload requestDeletePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ID == "" {
		return nil, fmt.Errorf("%w: request id is missing", ErrValidation)
	}

	if err := mh.requests.DeleteRequest(caller, payload.ID); err != nil {
		return nil, err
	}
	return successMessage(200, map[string]bool{"deleted": true})
}

type sharedDataPayload struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

func (mh *MessageHandler) handleSharedData(_ context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload sharedDataPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ID == "" {
		return nil, fmt.Errorf("%w: request id is missing", ErrValidation)
	}

	plaintext, err := mh.requests.RetrieveSharedData(caller, payload.ID, payload.Signature)
	if err != nil {
		return nil, err
	}
	return successMessage(200, map[string]json.RawMessage{"data": plaintext})
}

type revokePayload struct {
	ID string `json:"id"`
}

func (mh *MessageHandler) handleRevoke(ctx context.Context, caller *TokenClaims, msg *IncomingMessage) (*OutgoingMessage, error) {
	var payload revokePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ID == "" {
		return nil, fmt.Errorf("%w: request id is missing", ErrValidation)
	}

	if err := mh.requests.RevokeSharedData(ctx, caller, payload.ID); err != nil {
		return nil, err
	}
	return successMessage(200, map[string]bool{"revoked": true})
}
