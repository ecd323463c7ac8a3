// Package provider resolves named resources through an ordered list of
// strategies. Resolvers never cache; caching belongs to the proxy layer.
package provider

import (
	"context"
	"sync"

	"github.com/saiset-co/sai-resilience/types"
)

type Resolver interface {
	Resolve(ctx context.Context, key string) (interface{}, error)
}

type ResolverFunc func(ctx context.Context, key string) (interface{}, error)

func (f ResolverFunc) Resolve(ctx context.Context, key string) (interface{}, error) {
	return f(ctx, key)
}

// Chain tries its resolvers in order and returns the first success.
type Chain struct {
	resolvers []Resolver
}

func NewChain(resolvers ...Resolver) *Chain {
	chain := &Chain{
		resolvers: make([]Resolver, 0, len(resolvers)),
	}

	for _, resolver := range resolvers {
		if resolver != nil {
			chain.resolvers = append(chain.resolvers, resolver)
		}
	}

	return chain
}

// Resolve fails with *types.ResolutionError carrying every attempt's error
// when no resolver succeeds. A done context stops the walk early.
func (c *Chain) Resolve(ctx context.Context, key string) (interface{}, error) {
	return c.ResolveRecorded(ctx, key, &Attempts{})
}

// ResolveRecorded is Resolve with each failed attempt also appended to
// attempts as it happens, so a caller that stops waiting still sees the
// failures recorded so far.
func (c *Chain) ResolveRecorded(ctx context.Context, key string, attempts *Attempts) (interface{}, error) {
	for _, resolver := range c.resolvers {
		if err := ctx.Err(); err != nil {
			attempts.add(err)
			break
		}

		value, err := resolver.Resolve(ctx, key)
		if err == nil {
			return value, nil
		}

		attempts.add(err)
	}

	return nil, &types.ResolutionError{Key: key, Attempts: attempts.Errors()}
}

// Attempts collects resolver failures; safe for concurrent use.
type Attempts struct {
	mu   sync.Mutex
	errs []error
}

func (a *Attempts) add(err error) {
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
}

// Errors returns a copy of the failures recorded so far.
func (a *Attempts) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]error(nil), a.errs...)
}

func (c *Chain) Len() int {
	return len(c.resolvers)
}
