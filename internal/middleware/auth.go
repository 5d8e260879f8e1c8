package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mucan54/remoteql/internal/auth"
)

// BearerAuth resolves an Authorization: Bearer credential to an identity
// and stores it on the request context. When required is false, requests
// without a credential pass through anonymously scoped to fallback; an
// invalid credential is rejected either way.
func BearerAuth(verifier auth.TokenVerifier, required bool, fallback auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					unauthorized(w, "missing bearer credential")
					return
				}
				if !fallback.Anonymous() {
					r = r.WithContext(auth.ContextWithIdentity(r.Context(), fallback))
				}
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				unauthorized(w, "malformed authorization header")
				return
			}
			ident, err := verifier.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid bearer credential")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), ident)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
		"type":    "security_error",
	})
}

// CallerKey identifies the caller for rate limiting: the authenticated
// caller id when present, the remote address otherwise.
func CallerKey(r *http.Request) string {
	if ident, ok := auth.IdentityFromContext(r.Context()); ok {
		return ident.CallerID + "/" + ident.OrganizationID.String()
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	if host == "" {
		host = uuid.Nil.String()
	}
	return host
}
