package handlers

import (
	"context"
	"errors"
	"sync"
)

// ErrNoNavigator is returned when a navigation has nowhere to go
var ErrNoNavigator = errors.New("no navigator configured")

// Fallback opens targets outside of a callback request, usually a browser
type Fallback interface {
	Navigate(ctx context.Context, target string) error
}

// Redirect collects the navigation a controller makes while serving a
// callback so the response can point the browser there.
type Redirect struct {
	mu     sync.Mutex
	target string
}

// Target returns the last recorded navigation
func (r *Redirect) Target() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

type redirectKey struct{}

// WithRedirect returns a context under which Navigator records instead of
// navigating
func WithRedirect(ctx context.Context) (context.Context, *Redirect) {
	r := &Redirect{}
	return context.WithValue(ctx, redirectKey{}, r), r
}

// Navigator satisfies session.Navigator. Inside a callback request it only
// records the target; elsewhere it hands off to Fallback.
type Navigator struct {
	Fallback Fallback
}

func (n *Navigator) Navigate(ctx context.Context, target string) error {
	if r, ok := ctx.Value(redirectKey{}).(*Redirect); ok {
		r.mu.Lock()
		r.target = target
		r.mu.Unlock()
		return nil
	}
	if n.Fallback == nil {
		return ErrNoNavigator
	}
	return n.Fallback.Navigate(ctx, target)
}
