// Package requestid correlates one API call with its log records and with
// the pipeline events it causes.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header carries the id on requests and responses.
const Header = "X-Request-ID"

const maxLen = 128

type ctxKey struct{}

// New generates a random UUID v4 request ID.
func New() string {
	return uuid.NewString()
}

// Accept keeps a caller-supplied id when it is safe to echo and log, and
// generates a fresh one otherwise.
func Accept(incoming string) string {
	if valid(incoming) {
		return incoming
	}
	return New()
}

// valid allows up to maxLen visible ASCII characters.
func valid(id string) bool {
	if id == "" || len(id) > maxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '!' || id[i] > '~' {
			return false
		}
	}
	return true
}

// WithRequestID returns a copy of ctx with the request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Tag stamps an event payload with the request id from ctx, if any.
func Tag(ctx context.Context, data map[string]any) map[string]any {
	if id := FromContext(ctx); id != "" {
		data["requestId"] = id
	}
	return data
}
