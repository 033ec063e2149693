package main

import (
	"encoding/json"
	"errors"
)

// IncomingMessage is the envelope for every broker operation received over
// NATS request/reply. SessionID scopes challenge slots to the caller; Token
// carries the bearer access token for authenticated operations.
type IncomingMessage struct {
	SessionID string          `json:"session_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OutgoingMessage is the reply envelope.
type OutgoingMessage struct {
	Success bool            `json:"success"`
	Status  int             `json:"status"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// errorStatus maps a failure to its wire code and HTTP-equivalent status.
func errorStatus(err error) (code string, status int) {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error", 400
	case errors.Is(err, ErrChallengeMissing):
		return "challenge_missing", 400
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired", 400
	case errors.Is(err, ErrChallengeMismatch):
		return "challenge_mismatch", 400
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed", 403
	case errors.Is(err, ErrForbidden):
		return "forbidden", 403
	case errors.Is(err, ErrNotFound):
		return "not_found", 404
	case errors.Is(err, ErrConflict):
		return "conflict", 409
	case errors.Is(err, ErrUnprocessable):
		return "unprocessable", 422
	case errors.Is(err, ErrUpstreamUnavailable):
		return "verifier_unavailable", 503
	default:
		return "internal_error", 500
	}
}

func successMessage(status int, data any) (*OutgoingMessage, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return &OutgoingMessage{Success: true, Status: status, Data: raw}, nil
}

func errorMessage(err error) *OutgoingMessage {
	code, status := errorStatus(err)
	return &OutgoingMessage{Success: false, Status: status, Code: code, Error: err.Error()}
}
