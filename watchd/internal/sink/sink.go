// Package sink defines the output backends watchd delivers change batches to.
package sink

import (
	"context"

	"github.com/hazyhaar/domobs/mutation"
)

// Sink is the output interface. Implementations deliver batches to
// different backends (stdout, webhook, SQLite journal, in-process callback).
type Sink interface {
	Send(ctx context.Context, batch mutation.Batch) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
