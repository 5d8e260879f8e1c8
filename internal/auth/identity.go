package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the resolved caller passed explicitly into the executor and
// the query engine. Row-level filtering keys off OrganizationID; encryption
// key derivation keys off CallerID. It is never read from ambient globals.
type Identity struct {
	CallerID       string
	OrganizationID uuid.UUID
}

// Anonymous reports whether no caller was authenticated.
func (id Identity) Anonymous() bool {
	return id.CallerID == "" && id.OrganizationID == uuid.Nil
}

// Anonymous is the identity of an unauthenticated caller. Its nil
// organization scope matches no stored rows.
func Anonymous() Identity {
	return Identity{}
}

type contextKey string

const identityKey contextKey = "identity"

// ContextWithIdentity returns a new context carrying the authenticated caller.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	value := ctx.Value(identityKey)
	if value == nil {
		return Identity{}, false
	}
	id, ok := value.(Identity)
	if !ok || id.Anonymous() {
		return Identity{}, false
	}
	return id, true
}

// TokenVerifier resolves a bearer credential to an identity. Token issuance
// lives outside this package; the server only consumes the capability.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier verifies against a fixed token table, the shape produced
// by configuration. Useful for small deployments and tests.
type StaticVerifier map[string]Identity

func (v StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := v[token]
	if !ok {
		return Identity{}, fmt.Errorf("unknown token")
	}
	return id, nil
}

// TokenSource supplies the outbound bearer credential on the client side.
// Absence of a credential is not fatal here; the server decides whether
// authentication is required.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource holding a fixed credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a lookup function (cache, session store) to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
