package b2bua

import (
	"context"
	"testing"
)

func TestDirectResolverPassesSIPURIThrough(t *testing.T) {
	r := NewDirectResolver()
	target := "sip:bob@example.com;transport=tcp"

	if !r.CanResolve(target) {
		t.Fatal("CanResolve() = false for a sip: URI")
	}
	result, err := r.Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	contact, ok := result.PrimaryContact()
	if !ok {
		t.Fatal("expected a primary contact")
	}
	if contact.URI != target {
		t.Errorf("URI = %q, want %q", contact.URI, target)
	}
	if contact.Transport != "TCP" {
		t.Errorf("Transport = %q, want TCP", contact.Transport)
	}
}

func TestDirectResolverRejectsNonSIP(t *testing.T) {
	r := NewDirectResolver()
	if r.CanResolve("gateway:carrier/18005551234") {
		t.Error("CanResolve() should reject non-SIP targets")
	}
}

func TestGatewayResolverAppliesPrefixRules(t *testing.T) {
	store := NewStaticGatewayStore([]*GatewayConfig{{
		Name: "carrier-1", Host: "sip.carrier.example", Port: 5060,
		StripPrefix: "1", AddPrefix: "011", Enabled: true,
	}})
	r := NewGatewayResolver(store)

	result, err := r.Resolve(context.Background(), "gateway:carrier-1/18005551234")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	contact, _ := result.PrimaryContact()
	want := "sip:0118005551234@sip.carrier.example:5060"
	if contact.URI != want {
		t.Errorf("URI = %q, want %q", contact.URI, want)
	}
}

func TestGatewayResolverRejectsDisabledGateway(t *testing.T) {
	store := NewStaticGatewayStore([]*GatewayConfig{{Name: "carrier-1", Enabled: false}})
	r := NewGatewayResolver(store)

	if _, err := r.Resolve(context.Background(), "gateway:carrier-1/18005551234"); err == nil {
		t.Error("Resolve() should fail for a disabled gateway")
	}
}

func TestGatewayResolverRejectsUnknownGateway(t *testing.T) {
	store := NewStaticGatewayStore(nil)
	r := NewGatewayResolver(store)

	if _, err := r.Resolve(context.Background(), "gateway:missing/123"); err == nil {
		t.Error("Resolve() should fail for an unknown gateway")
	}
}

func TestStaticGatewayStoreListByPriorityDescending(t *testing.T) {
	store := NewStaticGatewayStore([]*GatewayConfig{
		{Name: "low", Priority: 1},
		{Name: "high", Priority: 10},
		{Name: "mid", Priority: 5},
	})
	got := store.ListByPriority()
	if len(got) != 3 || got[0].Name != "high" || got[1].Name != "mid" || got[2].Name != "low" {
		t.Errorf("ListByPriority() order = %v, want high,mid,low", names(got))
	}
}

func names(gws []*GatewayConfig) []string {
	out := make([]string, len(gws))
	for i, g := range gws {
		out[i] = g.Name
	}
	return out
}

func TestChainResolverTriesInOrder(t *testing.T) {
	gw := NewGatewayResolver(NewStaticGatewayStore([]*GatewayConfig{{Name: "c1", Host: "h", Port: 5060, Enabled: true}}))
	direct := NewDirectResolver()
	chain := NewChainResolver(gw, direct)

	if !chain.CanResolve("sip:bob@example.com") {
		t.Error("CanResolve() should delegate to DirectResolver for a sip: URI")
	}

	result, err := chain.Resolve(context.Background(), "gateway:c1/123")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if result.Type != LookupGateway {
		t.Errorf("Type = %v, want LookupGateway", result.Type)
	}
}

func TestChainResolverNoResolverClaims(t *testing.T) {
	chain := NewChainResolver(NewDirectResolver())
	if _, err := chain.Resolve(context.Background(), "tel:+18005551234"); err == nil {
		t.Error("Resolve() should fail when no resolver claims the target")
	}
}
