package auth

import (
	"net/http"
	"strings"
)

type Permission string

const (
	PermSubmissionsRead  Permission = "submissions:read"
	PermSubmissionsWrite Permission = "submissions:write"
	PermWildcard         Permission = "*"
)

// Has reports whether the space-separated scope claim grants perm.
func (c *Claims) Has(perm Permission) bool {
	if c == nil {
		return false
	}
	for _, s := range strings.Fields(c.Scope) {
		if Permission(s) == perm || Permission(s) == PermWildcard {
			return true
		}
	}
	return false
}

// RequirePermission rejects requests whose token scope lacks perm. It must run
// after Authenticate.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "no claims in context")
				return
			}
			if !claims.Has(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
