package authz

import "context"

// RequestContext is everything the service knows about the caller of a
// single request: the raw token as received, and the principal once the
// token has been verified.
type RequestContext struct {
	Token         string
	Principal     Principal
	Authenticated bool
}

type requestContextKey struct{}

// WithToken stores the raw token in ctx. Transports call this; the service
// never reads headers itself.
func WithToken(ctx context.Context, token string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	rc := RequestContextFrom(ctx)
	rc.Token = token
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// WithPrincipal records the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	rc := RequestContextFrom(ctx)
	rc.Principal = p
	rc.Authenticated = true
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the request context stored in ctx, or the
// zero value.
func RequestContextFrom(ctx context.Context) RequestContext {
	if ctx == nil {
		return RequestContext{}
	}
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}

// TokenFromContext returns the raw token stored in ctx.
func TokenFromContext(ctx context.Context) string {
	return RequestContextFrom(ctx).Token
}

// PrincipalFromContext returns the principal and whether the request was
// authenticated.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	rc := RequestContextFrom(ctx)
	return rc.Principal, rc.Authenticated
}
