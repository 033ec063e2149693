package main

import "errors"

// Failure classes surfaced by broker operations. Handlers map these to wire
// codes; everything else is treated as an internal error.
var (
	// ErrValidation marks malformed or missing caller input.
	ErrValidation = errors.New("invalid input")

	// Challenge validation failures. The stored challenge is consumed on
	// every terminal outcome so none of these can be retried against the
	// same token.
	ErrChallengeMissing  = errors.New("challenge missing")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeMismatch = errors.New("challenge mismatch")

	// ErrVerificationFailed means the credential verifier rejected the
	// presentation or returned no issuer DID.
	ErrVerificationFailed = errors.New("presentation verification failed")

	// ErrUpstreamUnavailable means the credential verifier could not be
	// reached. Distinct from ErrVerificationFailed: a retry may succeed.
	ErrUpstreamUnavailable = errors.New("credential verifier unavailable")

	// ErrConflict marks a uniqueness violation (duplicate identity bundle
	// or a second pending request for the same requestor and context).
	ErrConflict = errors.New("conflicting entry already exists")

	ErrNotFound = errors.New("not found")

	// ErrForbidden covers authorization failures and every cryptographic
	// failure on shared-data access. Deliberately coarse: callers must not
	// learn whether the signature, the wrapped key, or the ciphertext was
	// at fault.
	ErrForbidden = errors.New("forbidden")

	// ErrUnprocessable means the holder's own stored data could not be
	// decrypted with the signature they supplied.
	ErrUnprocessable = errors.New("unable to process stored data")
)
