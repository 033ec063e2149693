package main

import "testing"

func TestSubjectForDID(t *testing.T) {
	cases := []struct {
		did  string
		want string
	}{
		{"did:ethr:0xAbC123", "user.did_ethr_0xAbC123"},
		{"did:key:z6Mk.abc-DEF_1", "user.did_key_z6Mk.abc-DEF_1"},
		{"did:web:example.com:user:alice", "user.did_web_example.com_user_alice"},
		{"weird!!##did", "user.weird_did"},
		{"", "user."},
	}

	for _, tc := range cases {
		if got := subjectForDID(tc.did); got != tc.want {
			t.Errorf("subjectForDID(%q) = %q, want %q", tc.did, got, tc.want)
		}
	}
}
