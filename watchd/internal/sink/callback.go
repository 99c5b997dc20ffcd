package sink

import (
	"context"

	"github.com/hazyhaar/domobs/mutation"
)

// BatchFunc is called for each batch (in-process, zero serialisation).
type BatchFunc func(ctx context.Context, batch mutation.Batch) error

// Callback delivers batches via a Go function call, for programs that embed
// watchd instead of reading its output.
type Callback struct {
	fn BatchFunc
}

// NewCallback creates a Callback sink. A nil fn discards batches.
func NewCallback(fn BatchFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, batch mutation.Batch) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, batch)
}

func (c *Callback) Close() error { return nil }
