package auth

import "context"

type callerKey struct{}

// WithCaller stores the verified owner address of the request in ctx
func WithCaller(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, callerKey{}, owner)
}

// CallerFromContext returns the verified owner address, if a verifier ran
func CallerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(callerKey{}).(string)
	return owner, ok
}
