package main

import (
	"encoding/json"
	"fmt"
)

// Credential types accepted at the boundary. Subjects are decoded into an
// explicit variant per type and validated before anything reaches the
// request lifecycle, instead of letting free-form JSON flow through.
const (
	CredentialTypeRequest  = "RequestCredential"
	CredentialTypeIdentity = "IdentityCredential"
)

// Presentation is the decoded shell of a signed Verifiable Presentation.
// The raw payload is kept alongside because the verifier checks the
// original bytes, not our decoded view.
type Presentation struct {
	Holder      string            `json:"holder"`
	Type        []string          `json:"type"`
	Challenge   string            `json:"challenge"`
	Credentials []json.RawMessage `json:"verifiableCredential"`

	Raw json.RawMessage `json:"-"`
}

// ParsePresentation decodes a presentation payload.
func ParsePresentation(raw json.RawMessage) (*Presentation, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: presentation is missing", ErrValidation)
	}

	var p Presentation
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed presentation: %v", ErrValidation, err)
	}
	if p.Holder == "" {
		return nil, fmt.Errorf("%w: presentation holder is missing", ErrValidation)
	}

	p.Raw = raw
	return &p, nil
}

// Credential is the decoded shell of a Verifiable Credential.
type Credential struct {
	Type    []string        `json:"type"`
	Issuer  flexIssuer      `json:"issuer"`
	Subject json.RawMessage `json:"credentialSubject"`

	Raw json.RawMessage `json:"-"`
}

// ParseCredential decodes a credential payload.
func ParseCredential(raw json.RawMessage) (*Credential, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: credential is missing", ErrValidation)
	}

	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed credential: %v", ErrValidation, err)
	}

	c.Raw = raw
	return &c, nil
}

// HasType reports whether the credential carries the given type tag.
func (c *Credential) HasType(t string) bool {
	for _, ct := range c.Type {
		if ct == t {
			return true
		}
	}
	return false
}

// RequestSubject is the subject variant of a RequestCredential.
type RequestSubject struct {
	RequestorDID       string `json:"requestorDid"`
	HolderDID          string `json:"holderDid"`
	ContextID          string `json:"contextId"`
	Purpose            string `json:"purpose"`
	RequestorSignature string `json:"requestorSignature"`
}

// RequestSubject decodes and validates the credential subject as a
// RequestCredential subject.
func (c *Credential) RequestSubject() (*RequestSubject, error) {
	if !c.HasType(CredentialTypeRequest) {
		return nil, fmt.Errorf("%w: credential is not a %s", ErrValidation, CredentialTypeRequest)
	}

	var sub RequestSubject
	if err := json.Unmarshal(c.Subject, &sub); err != nil {
		return nil, fmt.Errorf("%w: malformed request subject: %v", ErrValidation, err)
	}

	switch {
	case sub.RequestorDID == "":
		return nil, fmt.Errorf("%w: requestorDid is missing", ErrValidation)
	case sub.HolderDID == "":
		return nil, fmt.Errorf("%w: holderDid is missing", ErrValidation)
	case sub.ContextID == "":
		return nil, fmt.Errorf("%w: contextId is missing", ErrValidation)
	case sub.RequestorSignature == "":
		return nil, fmt.Errorf("%w: requestorSignature is missing", ErrValidation)
	}

	return &sub, nil
}

// IdentitySubject is the subject variant of an IdentityCredential: the
// labelled attribute bundle a holder submits for storage. Attributes holds
// every subject field beyond the well-known ones.
type IdentitySubject struct {
	ID          string
	Context     string
	Description string
	Attributes  map[string]json.RawMessage
}

// IdentitySubject decodes and validates the credential subject as an
// attribute bundle.
func (c *Credential) IdentitySubject() (*IdentitySubject, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Subject, &fields); err != nil {
		return nil, fmt.Errorf("%w: malformed credential subject: %v", ErrValidation, err)
	}

	sub := IdentitySubject{Attributes: make(map[string]json.RawMessage)}
	for k, v := range fields {
		switch k {
		case "id":
			json.Unmarshal(v, &sub.ID)
		case "context":
			json.Unmarshal(v, &sub.Context)
		case "description":
			json.Unmarshal(v, &sub.Description)
		default:
			sub.Attributes[k] = v
		}
	}

	if sub.Context == "" {
		return nil, fmt.Errorf("%w: context is missing", ErrValidation)
	}

	return &sub, nil
}
