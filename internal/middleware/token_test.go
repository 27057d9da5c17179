package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestTokenOK(t *testing.T) {
	assert.False(t, TokenOK(nil, "secret"))
	assert.False(t, TokenOK(httptest.NewRequest(http.MethodGet, "/", nil), ""))

	r := httptest.NewRequest(http.MethodGet, "/?token=secret", nil)
	assert.True(t, TokenOK(r, "secret"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer secret")
	assert.True(t, TokenOK(r, "secret"))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Auth-Token", "secret")
	assert.True(t, TokenOK(r, "secret"))

	r = httptest.NewRequest(http.MethodGet, "/?token=wrong", nil)
	r.Header.Set("Authorization", "Bearer nope")
	assert.False(t, TokenOK(r, "secret"))
}

func TestTokenAuth(t *testing.T) {
	e := echo.New()
	token := "secret"
	e.Use(TokenAuth(func() string { return token }))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/status", func(c echo.Context) error { return c.String(http.StatusOK, "{}") })

	do := func(path string) int {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("/healthz"))
	assert.Equal(t, http.StatusUnauthorized, do("/api/status"))
	assert.Equal(t, http.StatusOK, do("/api/status?token=secret"))

	token = ""
	assert.Equal(t, http.StatusOK, do("/api/status"))
}
