// Package storage provides the key/value backends behind credential and
// session state: a durable store shared by every client instance of a
// profile, and per-instance stores for ephemeral flags.
package storage

import (
	"context"
	"strings"
)

// KV is a string key/value store. Implementations must make Delete of a
// missing key a no-op.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change is emitted when a store is modified. Key is empty when the backend
// only knows that something changed.
type Change struct {
	Key string
}

// Watcher is implemented by stores that can report modifications
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// Prefixed namespaces every key of an underlying store
type Prefixed struct {
	inner  KV
	prefix string
}

// WithPrefix returns a view of kv in which every key is stored under prefix
func WithPrefix(kv KV, prefix string) *Prefixed {
	return &Prefixed{inner: kv, prefix: prefix}
}

func (p *Prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Set(ctx context.Context, key, value string) error {
	return p.inner.Set(ctx, p.prefix+key, value)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *Prefixed) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.Keys(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, p.prefix))
	}
	return out, nil
}

// Watch relays changes under the prefix, and unkeyed changes, from the
// underlying store. It returns nil if the underlying store cannot be watched.
func (p *Prefixed) Watch(ctx context.Context) (<-chan Change, error) {
	w, ok := p.inner.(Watcher)
	if !ok {
		return nil, nil
	}

	src, err := w.Watch(ctx)
	if err != nil || src == nil {
		return nil, err
	}

	out := make(chan Change, cap(src))
	go func() {
		defer close(out)
		for ch := range src {
			if ch.Key != "" && !strings.HasPrefix(ch.Key, p.prefix) {
				continue
			}
			ch.Key = strings.TrimPrefix(ch.Key, p.prefix)
			select {
			case out <- ch:
			default:
			}
		}
	}()
	return out, nil
}
