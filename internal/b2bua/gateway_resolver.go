package b2bua

import (
	"context"
	"fmt"
	"strings"
)

// GatewayResolver resolves "gateway:<name>/<number>" or "trunk:<name>/<number>"
// targets against a configured set of trunks, applying each gateway's
// prefix stripping/adding rules before handing back a dial URI.
type GatewayResolver struct {
	gateways GatewayStore
}

func NewGatewayResolver(gateways GatewayStore) *GatewayResolver {
	return &GatewayResolver{gateways: gateways}
}

func (r *GatewayResolver) CanResolve(target string) bool {
	return strings.HasPrefix(target, "gateway:") || strings.HasPrefix(target, "trunk:")
}

func (r *GatewayResolver) Resolve(ctx context.Context, target string) (*LookupResult, error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(target, "gateway:"), "trunk:")
	name, number, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, &LookupError{Target: target, Reason: "expected gateway:<name>/<number>", Cause: ErrTargetNotFound}
	}

	gw, ok := r.gateways.Get(name)
	if !ok || !gw.Enabled {
		return nil, &LookupError{Target: target, Reason: fmt.Sprintf("gateway %q not found or disabled", name), Cause: ErrTargetNotFound}
	}

	number = strings.TrimPrefix(number, gw.StripPrefix)
	number = gw.AddPrefix + number

	uri := fmt.Sprintf("sip:%s@%s:%d", number, gw.Host, gw.Port)
	return &LookupResult{
		Type:     LookupGateway,
		Original: target,
		Contacts: []ResolvedContact{{
			URI:       uri,
			Priority:  1.0,
			Transport: gw.Transport,
			Gateway:   gw,
		}},
	}, nil
}

var _ Resolver = (*GatewayResolver)(nil)
