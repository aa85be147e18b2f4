package core

import "context"

type messageIDKey struct{}

// WithMessageID attaches the client message id of one operation to ctx so
// every transport carrying it uses the same idempotency key.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageIDFrom returns the id set by WithMessageID, or "".
func MessageIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey{}).(string)
	return id
}
