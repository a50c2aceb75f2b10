// Package requestid provides request ID propagation via context.
//
// Every inbound gateway event gets a request ID before it enters the
// processing pipeline; log lines and error replies carry it so a user
// report can be matched to the server-side trace.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Full UUIDs bloat every log line; the first hex group is plenty for
// correlating a single process's traffic.
func newID() string {
	return uuid.NewString()[:8]
}

// New stamps ctx with a fresh request ID and returns both.
func New(ctx context.Context) (context.Context, string) {
	id := newID()
	return context.WithValue(ctx, ctxKey{}, id), id
}

// WithRequestID returns a context carrying the given ID. Tests and
// replay tooling use it to pin IDs instead of minting them.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the stamped request ID, minting one when the
// context never passed through New.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return newID()
}
