package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/v1/intents/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.POST("/v1/intents", func(c *gin.Context) { c.JSON(http.StatusCreated, gin.H{"ok": true}) })
	return r
}

func serve(r http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/intents", nil)
	if method == http.MethodGet {
		req = httptest.NewRequest(method, "/v1/intents/pi_1", nil)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(newRouter(HeadersMiddleware()), http.MethodGet, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware_AllowList(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"https://shop.example"}))

	w := serve(r, http.MethodGet, "https://shop.example")
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	w = serve(r, http.MethodGet, "https://evil.example")
	assert.Equal(t, http.StatusOK, w.Code, "request still served, browser enforces")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_WildcardHasNoCredentials(t *testing.T) {
	w := serve(newRouter(CORSMiddleware([]string{"*"})), http.MethodGet, "https://any.example")

	assert.Equal(t, "https://any.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSPreflight(t *testing.T) {
	w := serve(newRouter(CORSMiddleware(nil)), http.MethodOptions, "https://shop.example")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}
