package rpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
)

// Identity is the (tenant, key) pair a bearer token resolves to. It rides
// the request context from the auth filter down to the tool handlers.
type Identity struct {
	Tenant string
	KeyID  string
}

// TokenResolver authenticates a bearer token. Implementations return a
// KindAuth error for unknown or revoked tokens.
type TokenResolver func(ctx context.Context, token string) (Identity, error)

// StaticTokens builds a resolver over a fixed token table. Suitable for
// single-box deployments and tests; production wires a database-backed
// resolver through the same type.
func StaticTokens(tokens map[string]Identity) TokenResolver {
	return func(ctx context.Context, token string) (Identity, error) {
		id, ok := tokens[token]
		if !ok {
			return Identity{}, verrors.New(verrors.KindAuth, "rpc: unknown bearer token")
		}
		return id, nil
	}
}

type identityKey struct{}

// WithIdentity attaches the authenticated identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity the auth filter attached, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// identity is IdentityFrom for handlers that must be behind the filter.
func identity(ctx context.Context) (Identity, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return Identity{}, verrors.New(verrors.KindAuth, "rpc: request is not authenticated")
	}
	return id, nil
}

// requireAuth rejects requests without a valid bearer token and attaches the
// resolved identity to the request context. The MCP handler sits behind this
// filter, so every tool handler inherits the identity.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := s.resolver(r.Context(), token)
		if err != nil {
			writeError(w, verrors.Wrap(verrors.KindAuth, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", verrors.New(verrors.KindAuth, "rpc: missing Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", verrors.New(verrors.KindAuth, "rpc: Authorization header is not a bearer token")
	}
	return strings.TrimSpace(token), nil
}
