package ingest

import (
	"context"
	"fmt"
)

// Watermarker reports the highest persisted block.
type Watermarker interface {
	MaxBlock(ctx context.Context) (height uint64, ok bool, err error)
}

// Resolver derives the next block to request from what is durable in the
// store. It keeps no state between calls.
type Resolver struct {
	store Watermarker
}

func NewResolver(store Watermarker) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns 0 for an empty store and MAX(block_number)+1 otherwise.
func (r *Resolver) Resolve(ctx context.Context) (uint64, error) {
	max, ok, err := r.store.MaxBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve cursor: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return max + 1, nil
}
