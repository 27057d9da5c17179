package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenOK reports whether r carries token as ?token=, a bearer
// Authorization header or X-Auth-Token.
func TokenOK(r *http.Request, token string) bool {
	if r == nil || token == "" {
		return false
	}
	if q := r.URL.Query().Get("token"); q != "" && equal(q, token) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if equal(strings.TrimSpace(ah[len("Bearer "):]), token) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, token) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenAuth rejects requests without the shared token. An empty token
// disables the check; /healthz is always open.
func TokenAuth(getToken func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getToken()
			if token == "" || c.Request().URL.Path == "/healthz" {
				return next(c)
			}
			if !TokenOK(c.Request(), token) {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
