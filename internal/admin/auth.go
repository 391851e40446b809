package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator guards mutating admin endpoints with a static bearer token.
// Without a token those endpoints are disabled.
type Authenticator struct {
	token string
}

type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return e.Message
}

func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: strings.TrimSpace(token)}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && a.token != ""
}

func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return &AuthError{Status: http.StatusForbidden, Message: "admin token not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return &AuthError{Status: http.StatusUnauthorized, Message: "bearer token required"}
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.token)) != 1 {
		return &AuthError{Status: http.StatusUnauthorized, Message: "invalid token"}
	}
	return nil
}

// Require wraps next so it only runs for authenticated requests.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			authErr := err.(*AuthError)
			if authErr.Status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			}
			writeJSON(w, authErr.Status, map[string]string{"error": authErr.Message})
			return
		}
		next.ServeHTTP(w, r)
	})
}
