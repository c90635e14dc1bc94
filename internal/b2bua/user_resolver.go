package b2bua

import (
	"context"
	"fmt"
	"strings"

	"github.com/sebas/b2buaserver/internal/location"
)

// UserResolver resolves registrar targets ("user/alice" or bare
// extensions) against the location store's bindings.
type UserResolver struct {
	store  *location.Store
	domain string
}

func NewUserResolver(store *location.Store, domain string) *UserResolver {
	return &UserResolver{store: store, domain: domain}
}

func (r *UserResolver) CanResolve(target string) bool {
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") ||
		strings.HasPrefix(target, "gateway:") || strings.HasPrefix(target, "trunk:") {
		return false
	}
	return true
}

func (r *UserResolver) Resolve(ctx context.Context, target string) (*LookupResult, error) {
	user := strings.TrimPrefix(target, "user/")
	b, ok := r.lookupBinding(user)
	if !ok {
		return nil, &LookupError{Target: target, Reason: "no registered contact", Cause: ErrNoContacts}
	}

	contacts := []ResolvedContact{{
		URI:       b.EffectiveContact(),
		Priority:  1.0,
		Transport: b.Transport,
		Binding:   b,
	}}
	return &LookupResult{Type: LookupUser, Original: target, Contacts: contacts}, nil
}

// lookupBinding tries several AOR forms, mirroring how flexible clients
// are about whether a bare username or a full sip: URI shows up in the
// Request-URI per RFC 3261 §10.3.
func (r *UserResolver) lookupBinding(user string) (*location.Binding, bool) {
	if b, ok := r.store.Lookup(r.buildAOR(user)); ok {
		return b, true
	}
	if b, ok := r.store.Lookup(user); ok {
		return b, true
	}
	if b, ok := r.store.Lookup("sip:" + user); ok {
		return b, true
	}
	return nil, false
}

func (r *UserResolver) buildAOR(user string) string {
	if strings.Contains(user, "@") {
		return "sip:" + user
	}
	return fmt.Sprintf("sip:%s@%s", user, r.domain)
}

var _ Resolver = (*UserResolver)(nil)
