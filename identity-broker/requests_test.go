package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sleepy9988/decent-identity/identity-broker/storage"
)

// requestFixture wires a holder with one encrypted identity bundle and a
// requestor, ready to exercise the request lifecycle.
type requestFixture struct {
	store      *storage.Store
	challenges *ChallengeStore
	requests   *RequestService
	identities *IdentityService
	notifier   *recordingNotifier

	holder    *TokenClaims
	requestor *TokenClaims
	identity  *IdentityView
}

const (
	holderSig    = "0xholder-signature"
	requestorSig = "0xrequestor-signature"
)

func newRequestFixture(t *testing.T) *requestFixture {
	t.Helper()

	store := newTestStore(t)
	challenges := NewChallengeStore(store)
	verifier := newTestVerifier(t, &verifierStub{verified: true})
	notifier := &recordingNotifier{}

	identities := NewIdentityService(store, verifier)
	requests := NewRequestService(store, challenges, verifier, notifier)

	_, holder := createTestProfile(t, store, "did:example:holder")
	_, requestor := createTestProfile(t, store, "did:example:requestor")

	view, err := identities.CreateIdentity(context.Background(), holder,
		identityCredential(t, holder.DID, "passport", "travel document", map[string]string{
			"name":        "Alice",
			"nationality": "AT",
		}), holderSig, nil)
	if err != nil {
		t.Fatalf("Failed to create holder identity: %v", err)
	}

	return &requestFixture{
		store:      store,
		challenges: challenges,
		requests:   requests,
		identities: identities,
		notifier:   notifier,
		holder:     holder,
		requestor:  requestor,
		identity:   view,
	}
}

// createRequest runs the full challenge + presentation flow for the fixture
// requestor against the fixture identity.
func (f *requestFixture) createRequest(t *testing.T) *RequestView {
	t.Helper()

	challenge, err := f.requests.IssueChallenge("req-session")
	if err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}

	pres := requestPresentation(t, f.requestor.DID, f.holder.DID, f.identity.ID,
		"KYC verification", requestorSig, challenge)

	view, err := f.requests.CreateRequest(context.Background(), f.requestor, "req-session", pres, challenge)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	return view
}

func TestCreateRequest(t *testing.T) {
	f := newRequestFixture(t)

	view := f.createRequest(t)
	if view.Status != storage.StatusPending {
		t.Fatalf("Status = %q, want pending", view.Status)
	}
	if view.RequestorDID != f.requestor.DID || view.HolderDID != f.holder.DID {
		t.Fatalf("Unexpected parties: %+v", view)
	}
	if view.Context != "passport" {
		t.Fatalf("Context = %q", view.Context)
	}

	// The holder was notified.
	if len(f.notifier.events) != 1 {
		t.Fatalf("Got %d events, want 1", len(f.notifier.events))
	}
	event := f.notifier.events[0]
	if event.DID != f.holder.DID || event.Event.Type != EventNewRequest {
		t.Fatalf("Unexpected event: %+v", event)
	}
}

func TestCreateRequestDuplicatePending(t *testing.T) {
	f := newRequestFixture(t)

	first := f.createRequest(t)

	challenge, _ := f.requests.IssueChallenge("req-session")
	pres := requestPresentation(t, f.requestor.DID, f.holder.DID, f.identity.ID,
		"another purpose", requestorSig, challenge)
	_, err := f.requests.CreateRequest(context.Background(), f.requestor, "req-session", pres, challenge)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Duplicate pending request = %v, want ErrConflict", err)
	}

	// After a decision the requestor may ask again.
	if _, err := f.requests.DecideRequest(context.Background(), f.holder, first.ID,
		ActionDecline, "", nil, ""); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	f.createRequest(t)
}

func TestCreateRequestForeignIdentity(t *testing.T) {
	f := newRequestFixture(t)
	_, third := createTestProfile(t, f.store, "did:example:third")

	// Identity belongs to the holder, not to the named third party.
	challenge, _ := f.requests.IssueChallenge("req-session")
	pres := requestPresentation(t, f.requestor.DID, third.DID, f.identity.ID,
		"purpose", requestorSig, challenge)
	_, err := f.requests.CreateRequest(context.Background(), f.requestor, "req-session", pres, challenge)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateRequestCallerMismatch(t *testing.T) {
	f := newRequestFixture(t)

	// The presentation names the requestor, but a different caller submits it.
	challenge, _ := f.requests.IssueChallenge("req-session")
	pres := requestPresentation(t, f.requestor.DID, f.holder.DID, f.identity.ID,
		"purpose", requestorSig, challenge)
	_, err := f.requests.CreateRequest(context.Background(), f.holder, "req-session", pres, challenge)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDeclineRequest(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	decided, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionDecline, "", nil, "")
	if err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if decided.Status != storage.StatusDeclined {
		t.Fatalf("Status = %q, want declined", decided.Status)
	}
	if decided.Reason != "No reason provided." {
		t.Fatalf("Reason = %q, want default", decided.Reason)
	}

	// The requestor was notified of the answer.
	last := f.notifier.events[len(f.notifier.events)-1]
	if last.DID != f.requestor.DID || last.Event.Type != EventRequestAnswer {
		t.Fatalf("Unexpected event: %+v", last)
	}
}

func TestDecideRequestOnlyHolder(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	_, err := f.requests.DecideRequest(context.Background(), f.requestor, view.ID,
		ActionDecline, "", nil, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDecideRequestNonPending(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	if _, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionDecline, "busy", nil, ""); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}

	// Terminal states reject any further decision.
	for _, action := range []string{ActionApprove, ActionDecline} {
		_, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
			action, "", nil, holderSig)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("Decide %s on declined request = %v, want ErrConflict", action, err)
		}
	}
}

func TestApproveValidations(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	past := time.Now().Add(-time.Hour)
	if _, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionApprove, "", &past, holderSig); !errors.Is(err, ErrValidation) {
		t.Fatalf("Past expiry = %v, want ErrValidation", err)
	}

	if _, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionApprove, "", nil, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("Missing holder signature = %v, want ErrValidation", err)
	}

	// Failed approvals leave the request pending.
	req, err := f.store.GetRequest(view.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if req.Status != storage.StatusPending {
		t.Fatalf("Status = %q, want pending", req.Status)
	}
}

func TestApproveWrongHolderSignature(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	_, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionApprove, "", nil, "0xwrong-holder-sig")
	if !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("err = %v, want ErrUnprocessable", err)
	}

	// Nothing was granted.
	shared, err := f.store.GetSharedData(view.ID)
	if err != nil {
		t.Fatalf("GetSharedData failed: %v", err)
	}
	if shared != nil {
		t.Fatal("No shared data should exist after a failed approval")
	}
}

func TestApproveRetrieveRevoke(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	expires := time.Now().Add(time.Hour).UTC()
	decided, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionApprove, "", &expires, holderSig)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if decided.Status != storage.StatusApproved {
		t.Fatalf("Status = %q, want approved", decided.Status)
	}
	if decided.ApprovedAt == nil {
		t.Fatal("ApprovedAt should be set")
	}

	shared, err := f.store.GetSharedData(view.ID)
	if err != nil {
		t.Fatalf("GetSharedData failed: %v", err)
	}
	if shared == nil {
		t.Fatal("Expected a shared data row")
	}

	// The requestor retrieves the original attributes with their signature.
	plaintext, err := f.requests.RetrieveSharedData(f.requestor, view.ID, requestorSig)
	if err != nil {
		t.Fatalf("RetrieveSharedData failed: %v", err)
	}
	var attrs map[string]string
	if err := json.Unmarshal(plaintext, &attrs); err != nil {
		t.Fatalf("Failed to decode shared data: %v", err)
	}
	if attrs["name"] != "Alice" || attrs["nationality"] != "AT" {
		t.Fatalf("Unexpected attributes: %v", attrs)
	}

	// A wrong signature is rejected without touching the grant.
	if _, err := f.requests.RetrieveSharedData(f.requestor, view.ID, "0xwrong"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Wrong signature = %v, want ErrForbidden", err)
	}
	shared, _ = f.store.GetSharedData(view.ID)
	if shared == nil {
		t.Fatal("Shared data must survive a failed retrieval")
	}

	// Revocation: grant gone, request stays approved but expired.
	if err := f.requests.RevokeSharedData(context.Background(), f.holder, view.ID); err != nil {
		t.Fatalf("RevokeSharedData failed: %v", err)
	}

	if _, err := f.requests.RetrieveSharedData(f.requestor, view.ID, requestorSig); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Post-revocation retrieve = %v, want ErrForbidden", err)
	}

	req, err := f.store.GetRequest(view.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if req.Status != storage.StatusApproved {
		t.Fatalf("Status = %q, revocation must not reset it", req.Status)
	}
	if req.ExpiresAt == nil || req.ExpiresAt.After(time.Now()) {
		t.Fatalf("ExpiresAt = %v, want forced into the past", req.ExpiresAt)
	}
	if req.Reason != "Access revoked by holder" {
		t.Fatalf("Reason = %q", req.Reason)
	}

	last := f.notifier.events[len(f.notifier.events)-1]
	if last.DID != f.requestor.DID || last.Event.Type != EventAccessRevoked {
		t.Fatalf("Unexpected event: %+v", last)
	}
}

func TestRetrieveSharedDataOnlyRequestor(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	if _, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionApprove, "", nil, holderSig); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	if _, err := f.requests.RetrieveSharedData(f.holder, view.ID, holderSig); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Holder retrieval = %v, want ErrForbidden", err)
	}
}

func TestRetrieveSharedDataPendingForbidden(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	if _, err := f.requests.RetrieveSharedData(f.requestor, view.ID, requestorSig); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Pending retrieval = %v, want ErrForbidden", err)
	}
}

func TestRevokeOnlyHolder(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	if err := f.requests.RevokeSharedData(context.Background(), f.requestor, view.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Requestor revoke = %v, want ErrForbidden", err)
	}
}

func TestDeleteRequest(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	// Only the requestor may delete.
	if err := f.requests.DeleteRequest(f.holder, view.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Holder delete = %v, want ErrForbidden", err)
	}

	if err := f.requests.DeleteRequest(f.requestor, view.ID); err != nil {
		t.Fatalf("DeleteRequest failed: %v", err)
	}

	req, err := f.store.GetRequest(view.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if req != nil {
		t.Fatal("Request should be gone")
	}
}

func TestDeleteRequestNonPending(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	if _, err := f.requests.DecideRequest(context.Background(), f.holder, view.ID,
		ActionDecline, "", nil, ""); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}

	if err := f.requests.DeleteRequest(f.requestor, view.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("Delete of declined request = %v, want ErrConflict", err)
	}
}

func TestListRequests(t *testing.T) {
	f := newRequestFixture(t)
	view := f.createRequest(t)

	// Both parties see the request.
	for _, caller := range []*TokenClaims{f.requestor, f.holder} {
		views, err := f.requests.ListRequests(caller, "", 0)
		if err != nil {
			t.Fatalf("ListRequests failed: %v", err)
		}
		if len(views) != 1 || views[0].ID != view.ID {
			t.Fatalf("Unexpected listing for %s: %+v", caller.DID, views)
		}
	}

	// A third party sees nothing.
	_, third := createTestProfile(t, f.store, "did:example:third")
	views, err := f.requests.ListRequests(third, "", 0)
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("Third party sees %d requests", len(views))
	}

	// Status filter.
	views, err = f.requests.ListRequests(f.holder, storage.StatusApproved, 0)
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	if len(views) != 0 {
		t.Fatal("No approved requests expected")
	}

	if _, err := f.requests.ListRequests(f.holder, "bogus", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("Bogus filter = %v, want ErrValidation", err)
	}
}
