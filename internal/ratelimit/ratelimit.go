// Package ratelimit caps how many messages a user may send per window.
package ratelimit

import "context"

// Limiter decides whether one more action is allowed for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
