package main

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRequestSubject(t *testing.T) {
	raw := requestPresentation(t, "did:example:req", "did:example:holder", "ctx-1", "KYC check", "0xsig", "abc")

	pres, err := ParsePresentation(raw)
	if err != nil {
		t.Fatalf("ParsePresentation failed: %v", err)
	}
	if pres.Holder != "did:example:req" {
		t.Fatalf("Holder = %q", pres.Holder)
	}
	if len(pres.Credentials) != 1 {
		t.Fatalf("Credentials = %d, want 1", len(pres.Credentials))
	}

	cred, err := ParseCredential(pres.Credentials[0])
	if err != nil {
		t.Fatalf("ParseCredential failed: %v", err)
	}

	sub, err := cred.RequestSubject()
	if err != nil {
		t.Fatalf("RequestSubject failed: %v", err)
	}
	if sub.RequestorDID != "did:example:req" || sub.HolderDID != "did:example:holder" {
		t.Fatalf("Unexpected subject: %+v", sub)
	}
	if sub.ContextID != "ctx-1" || sub.Purpose != "KYC check" || sub.RequestorSignature != "0xsig" {
		t.Fatalf("Unexpected subject: %+v", sub)
	}
}

func TestRequestSubjectWrongType(t *testing.T) {
	cred, err := ParseCredential(json.RawMessage(`{
		"type": ["VerifiableCredential", "IdentityCredential"],
		"credentialSubject": {"requestorDid": "did:example:1"}
	}`))
	if err != nil {
		t.Fatalf("ParseCredential failed: %v", err)
	}

	if _, err := cred.RequestSubject(); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRequestSubjectMissingFields(t *testing.T) {
	cases := map[string]string{
		"no requestor": `{"holderDid":"did:example:h","contextId":"c","requestorSignature":"s"}`,
		"no holder":    `{"requestorDid":"did:example:r","contextId":"c","requestorSignature":"s"}`,
		"no context":   `{"requestorDid":"did:example:r","holderDid":"did:example:h","requestorSignature":"s"}`,
		"no signature": `{"requestorDid":"did:example:r","holderDid":"did:example:h","contextId":"c"}`,
	}

	for name, subject := range cases {
		cred := &Credential{
			Type:    []string{"VerifiableCredential", CredentialTypeRequest},
			Subject: json.RawMessage(subject),
		}
		if _, err := cred.RequestSubject(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", name, err)
		}
	}
}

func TestIdentitySubjectExtractsAttributes(t *testing.T) {
	cred, err := ParseCredential(identityCredential(t, "did:example:1", "passport", "travel document", map[string]string{
		"name":        "Alice",
		"nationality": "AT",
	}))
	if err != nil {
		t.Fatalf("ParseCredential failed: %v", err)
	}

	sub, err := cred.IdentitySubject()
	if err != nil {
		t.Fatalf("IdentitySubject failed: %v", err)
	}
	if sub.Context != "passport" || sub.Description != "travel document" {
		t.Fatalf("Unexpected subject: %+v", sub)
	}
	if len(sub.Attributes) != 2 {
		t.Fatalf("Attributes = %d, want 2 (id/context/description excluded)", len(sub.Attributes))
	}

	var name string
	json.Unmarshal(sub.Attributes["name"], &name)
	if name != "Alice" {
		t.Fatalf("name attribute = %q", name)
	}
}

func TestIdentitySubjectRequiresContext(t *testing.T) {
	cred := &Credential{Subject: json.RawMessage(`{"id":"did:example:1","name":"Alice"}`)}
	if _, err := cred.IdentitySubject(); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestParsePresentationRejectsBadInput(t *testing.T) {
	if _, err := ParsePresentation(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("nil presentation: err = %v, want ErrValidation", err)
	}
	if _, err := ParsePresentation(json.RawMessage(`not-json`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("malformed: err = %v, want ErrValidation", err)
	}
	if _, err := ParsePresentation(json.RawMessage(`{"type":["VerifiablePresentation"]}`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing holder: err = %v, want ErrValidation", err)
	}
}
