package location

import (
	"testing"
	"time"
)

func TestUpsertAndLookup(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	b := &Binding{AOR: "alice@example.com", ContactURI: "sip:alice@192.168.1.10:5060", Expires: 3600, ExpiresAt: time.Now().Add(time.Hour)}
	s.Upsert(b)

	got, ok := s.Lookup("alice@example.com")
	if !ok {
		t.Fatal("Lookup() returned not-found for a freshly upserted binding")
	}
	if got.ContactURI != b.ContactURI {
		t.Errorf("ContactURI = %q, want %q", got.ContactURI, b.ContactURI)
	}
}

func TestUpsertReplacesPriorBinding(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	s.Upsert(&Binding{AOR: "alice@example.com", ContactURI: "sip:alice@192.168.1.10:5060", Expires: 3600, ExpiresAt: time.Now().Add(time.Hour)})
	s.Upsert(&Binding{AOR: "alice@example.com", ContactURI: "sip:alice@192.168.1.20:5060", Expires: 3600, ExpiresAt: time.Now().Add(time.Hour)})

	got, ok := s.Lookup("alice@example.com")
	if !ok {
		t.Fatal("expected a binding")
	}
	if got.ContactURI != "sip:alice@192.168.1.20:5060" {
		t.Errorf("ContactURI = %q, the second REGISTER should have superseded the first", got.ContactURI)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (one binding per AOR, never accumulating)", s.Count())
	}
}

func TestUpsertZeroExpiresDeregisters(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	s.Upsert(&Binding{AOR: "alice@example.com", Expires: 3600, ExpiresAt: time.Now().Add(time.Hour)})
	s.Upsert(&Binding{AOR: "alice@example.com", Expires: 0})

	if _, ok := s.Lookup("alice@example.com"); ok {
		t.Error("Lookup() should fail after an Expires: 0 de-registration")
	}
}

func TestLookupExpiredBinding(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	s.Upsert(&Binding{AOR: "alice@example.com", Expires: 1, ExpiresAt: time.Now().Add(-time.Second)})

	if _, ok := s.Lookup("alice@example.com"); ok {
		t.Error("Lookup() should treat an expired binding as not found")
	}
}

func TestRemoveAll(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	s.Upsert(&Binding{AOR: "alice@example.com", Expires: 3600, ExpiresAt: time.Now().Add(time.Hour)})
	s.RemoveAll("alice@example.com")

	if _, ok := s.Lookup("alice@example.com"); ok {
		t.Error("Lookup() should fail after RemoveAll")
	}
}

func TestValidateCSeqAllowsNewCallID(t *testing.T) {
	b := &Binding{CallID: "call-1", CSeq: 5}
	if !b.ValidateCSeq("call-2", 1) {
		t.Error("ValidateCSeq() should accept a lower CSeq from a different Call-ID")
	}
}

func TestValidateCSeqRejectsStale(t *testing.T) {
	b := &Binding{CallID: "call-1", CSeq: 5}
	if b.ValidateCSeq("call-1", 5) {
		t.Error("ValidateCSeq() should reject a non-increasing CSeq for the same Call-ID")
	}
	if !b.ValidateCSeq("call-1", 6) {
		t.Error("ValidateCSeq() should accept a strictly increasing CSeq")
	}
}

func TestEffectiveContactPrefersReceivedAddr(t *testing.T) {
	b := &Binding{ContactURI: "sip:alice@10.0.0.5:5060", ReceivedIP: "203.0.113.9", ReceivedPort: 40000, Transport: "udp"}
	want := "sip:203.0.113.9:40000;transport=udp"
	if got := b.EffectiveContact(); got != want {
		t.Errorf("EffectiveContact() = %q, want %q", got, want)
	}
}

func TestEffectiveContactFallsBackToClaimedURI(t *testing.T) {
	b := &Binding{ContactURI: "sip:alice@203.0.113.9:5060"}
	if got := b.EffectiveContact(); got != b.ContactURI {
		t.Errorf("EffectiveContact() = %q, want %q", got, b.ContactURI)
	}
}

func TestGenerateBindingIDDeterministic(t *testing.T) {
	a := GenerateBindingID("sip:alice@10.0.0.5:5060", "urn:uuid:1")
	b := GenerateBindingID("sip:alice@10.0.0.5:5060", "urn:uuid:1")
	if a != b {
		t.Error("GenerateBindingID() should be deterministic for the same inputs")
	}
	c := GenerateBindingID("sip:alice@10.0.0.5:5060", "urn:uuid:2")
	if a == c {
		t.Error("GenerateBindingID() should differ when the instance ID differs")
	}
}
