package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(scope string) Claims {
	return Claims{
		Sub:   "user-1",
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func serve(h http.Handler, r *http.Request) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec.Code
}

func TestAuthenticate(t *testing.T) {
	m := NewJWTMiddleware(testSecret)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ClaimsFromContext(r.Context()).Sub != "user-1" {
			t.Error("claims missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})
	h := m.Authenticate(ok)

	good := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(""))
	expired := validClaims("")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExp := validClaims("")
	noExp.ExpiresAt = nil

	tests := []struct {
		name   string
		method string
		target string
		header string
		want   int
	}{
		{"bearer", http.MethodPost, "/", "Bearer " + good, http.StatusOK},
		{"query token on GET", http.MethodGet, "/?access_token=" + good, "", http.StatusOK},
		{"query token on POST", http.MethodPost, "/?access_token=" + good, "", http.StatusUnauthorized},
		{"missing", http.MethodGet, "/", "", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("")), http.StatusUnauthorized},
		{"expired", http.MethodGet, "/", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized},
		{"no expiry", http.MethodGet, "/", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noExp), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := serve(h, r); got != tt.want {
				t.Fatalf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequirePermission(t *testing.T) {
	m := NewJWTMiddleware(testSecret)
	h := m.Authenticate(RequirePermission(PermSubmissionsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	for scope, want := range map[string]int{
		"submissions:read submissions:write": http.StatusAccepted,
		"*":                                  http.StatusAccepted,
		"submissions:read":                   http.StatusForbidden,
		"":                                   http.StatusForbidden,
	} {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(scope)))
		if got := serve(h, r); got != want {
			t.Fatalf("scope %q: status = %d, want %d", scope, got, want)
		}
	}
}
