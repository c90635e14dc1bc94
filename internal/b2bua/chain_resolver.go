package b2bua

import (
	"context"
	"errors"
)

// ChainResolver tries each resolver in order, stopping at the first one
// that claims the target, and only moving to the next on a genuine
// no-contacts result rather than any error.
type ChainResolver struct {
	resolvers []Resolver
}

func NewChainResolver(resolvers ...Resolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

func (c *ChainResolver) CanResolve(target string) bool {
	for _, r := range c.resolvers {
		if r.CanResolve(target) {
			return true
		}
	}
	return false
}

func (c *ChainResolver) Resolve(ctx context.Context, target string) (*LookupResult, error) {
	var lastErr error
	for _, r := range c.resolvers {
		if !r.CanResolve(target) {
			continue
		}
		result, err := r.Resolve(ctx, target)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNoContacts) {
			return nil, err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &LookupError{Target: target, Reason: "no resolver claimed target", Cause: ErrTargetNotFound}
}

var _ Resolver = (*ChainResolver)(nil)
