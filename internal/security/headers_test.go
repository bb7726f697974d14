package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func testRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/escrows/:id", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	r := testRouter(HeadersMiddleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escrows/esc_1", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com", true},
		{"trailing slash in config", []string{"https://app.example.com/"}, "https://app.example.com", "https://app.example.com", true},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example", "", false},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example", false},
		{"empty list allows all", nil, "https://any.example", "https://any.example", false},
		{"no origin header", []string{"*"}, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRouter(CORSMiddleware(tt.allowed))
			req := httptest.NewRequest("GET", "/v1/escrows/esc_1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Escrowd-Signature")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testRouter(CORSMiddleware([]string{"*"}))

	req := httptest.NewRequest("OPTIONS", "/v1/escrows/esc_1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}
