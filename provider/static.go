package provider

import (
	"context"
)

type staticResolver struct {
	value interface{}
}

// NewStaticResolver returns a resolver that always yields value.
func NewStaticResolver(value interface{}) Resolver {
	return &staticResolver{value: value}
}

func (s *staticResolver) Resolve(_ context.Context, _ string) (interface{}, error) {
	return s.value, nil
}
