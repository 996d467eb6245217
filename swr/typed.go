package swr

import (
	"context"

	"github.com/unkn0wn-root/deptusers/codec"
)

// Typed adapts an Executor to producers of V. Every call decodes its own V,
// so callers never share mutable values with the cache or with each other.
type Typed[V any] struct {
	Exec  Executor
	Codec codec.Codec[V]
}

type invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

func (t Typed[V]) ExecuteCached(ctx context.Context, key string, produce func(context.Context) (V, error), p Policy) (V, error) {
	raw, err := t.Exec.ExecuteCached(ctx, key, t.encodeWith(produce), p)
	if err != nil {
		var zero V
		return zero, err
	}
	v, err := t.Codec.Decode(raw)
	if err == nil {
		return v, nil
	}

	// Payload written by another codec or truncated by a shared store.
	// Drop it and load once more.
	inv, ok := t.Exec.(invalidator)
	if !ok {
		var zero V
		return zero, err
	}
	if ierr := inv.Invalidate(ctx, key); ierr != nil {
		var zero V
		return zero, err
	}
	raw, err = t.Exec.ExecuteCached(ctx, key, t.encodeWith(produce), p)
	if err != nil {
		var zero V
		return zero, err
	}
	return t.Codec.Decode(raw)
}

func (t Typed[V]) encodeWith(produce func(context.Context) (V, error)) Producer {
	return func(ctx context.Context) ([]byte, error) {
		v, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		return t.Codec.Encode(v)
	}
}
