package b2bua

import (
	"context"
	"strings"
)

// DirectResolver passes a fully-qualified sip:/sips: URI through unchanged.
type DirectResolver struct{}

func NewDirectResolver() *DirectResolver { return &DirectResolver{} }

func (r *DirectResolver) CanResolve(target string) bool {
	return strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:")
}

func (r *DirectResolver) Resolve(ctx context.Context, target string) (*LookupResult, error) {
	if !r.CanResolve(target) {
		return nil, &LookupError{Target: target, Reason: "not a SIP URI", Cause: ErrTargetNotFound}
	}
	return &LookupResult{
		Type:     LookupDirect,
		Original: target,
		Contacts: []ResolvedContact{{
			URI:       target,
			Priority:  1.0,
			Transport: extractTransport(target),
		}},
	}, nil
}

func extractTransport(uri string) string {
	lower := strings.ToLower(uri)
	idx := strings.Index(lower, "transport=")
	if idx == -1 {
		return ""
	}
	start := idx + len("transport=")
	end := start
	for end < len(uri) && uri[end] != ';' && uri[end] != '>' && uri[end] != ' ' {
		end++
	}
	if end > start {
		return strings.ToUpper(uri[start:end])
	}
	return ""
}

var _ Resolver = (*DirectResolver)(nil)
