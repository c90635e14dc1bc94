package registration

import (
	"fmt"
	"testing"
	"time"
)

func TestCanonicalAOR(t *testing.T) {
	cases := map[string]string{
		"<sip:alice@example.com>":             "sip:alice@example.com",
		"sip:alice@example.com;tag=abc":       "sip:alice@example.com",
		"<sip:alice@example.com>;tag=abc":     "sip:alice@example.com",
	}
	for in, want := range cases {
		if got := canonicalAOR(in); got != want {
			t.Errorf("canonicalAOR(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAuthHeader(t *testing.T) {
	hdr := `Digest username="alice", realm="example.com", nonce="abc123", uri="sip:example.com", response="deadbeef"`
	got := parseAuthHeader(hdr)
	want := map[string]string{
		"username": "alice",
		"realm":    "example.com",
		"nonce":    "abc123",
		"uri":      "sip:example.com",
		"response": "deadbeef",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("parseAuthHeader()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestValidateDigestRoundTrip(t *testing.T) {
	username, realm, password, nonce, method, uri := "alice", "example.com", "secret", "n0nce", "REGISTER", "sip:example.com"

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	response := md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))

	params := map[string]string{
		"username": username, "realm": realm, "nonce": nonce, "uri": uri, "response": response,
	}
	if !validateDigest(params, password, method, uri) {
		t.Error("validateDigest() rejected a correctly computed response")
	}
}

func TestValidateDigestRejectsWrongPassword(t *testing.T) {
	params := map[string]string{
		"username": "alice", "realm": "example.com", "nonce": "n0nce", "uri": "sip:example.com",
		"response": md5Hex("wrong"),
	}
	if validateDigest(params, "secret", "REGISTER", "sip:example.com") {
		t.Error("validateDigest() should reject a response computed with the wrong password")
	}
}

func TestValidateDigestRejectsMissingFields(t *testing.T) {
	if validateDigest(map[string]string{"username": "alice"}, "secret", "REGISTER", "sip:example.com") {
		t.Error("validateDigest() should reject params missing realm/nonce/response")
	}
}

func TestNonceTrackerLifecycle(t *testing.T) {
	nt := newNonceTracker(50 * time.Millisecond)
	nonce := nt.issue()

	if status := nt.check(nonce); status != nonceValid {
		t.Fatalf("check() = %v, want nonceValid immediately after issuing", status)
	}
	if status := nt.check("never-issued"); status != nonceUnknown {
		t.Errorf("check() = %v, want nonceUnknown for an unseen nonce", status)
	}

	time.Sleep(100 * time.Millisecond)
	nonce2 := nt.issue()
	time.Sleep(100 * time.Millisecond)
	if status := nt.check(nonce2); status != nonceStale {
		t.Errorf("check() = %v, want nonceStale after the staleness window elapses", status)
	}
	// Checking a stale nonce removes it; re-checking must report unknown.
	if status := nt.check(nonce2); status != nonceUnknown {
		t.Errorf("check() = %v, want nonceUnknown once a stale nonce has been consumed", status)
	}
}

func TestStaticCredentials(t *testing.T) {
	store := NewStaticCredentials([]Credential{{AOR: "sip:alice@example.com", Password: "secret", Realm: "example.com"}})

	cred, ok := store.Lookup("sip:alice@example.com")
	if !ok {
		t.Fatal("Lookup() should find a configured AOR")
	}
	if cred.Password != "secret" {
		t.Errorf("Password = %q, want secret", cred.Password)
	}
	if _, ok := store.Lookup("sip:bob@example.com"); ok {
		t.Error("Lookup() should fail for an unconfigured AOR")
	}
}
