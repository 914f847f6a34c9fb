package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/jwt"
	"chatcore-backend/pkg/response"
)

const testSecret = "test-secret-key-that-is-at-least-32-chars"

type stubChecker struct {
	revoked bool
	err     error
}

func (s stubChecker) IsTokenRevoked(context.Context, *jwt.Claims) (bool, error) {
	return s.revoked, s.err
}

func newAuthEngine(checker RevocationChecker) (*gin.Engine, *jwt.JWTManager) {
	gin.SetMode(gin.TestMode)
	manager := jwt.NewJWTManager(testSecret, "chatcore-api", time.Minute)

	engine := gin.New()
	engine.GET("/ws", AuthMiddleware(manager, checker), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("user_id"))
	})
	return engine, manager
}

func TestAuthMiddleware(t *testing.T) {
	engine, manager := newAuthEngine(nil)
	token, err := manager.GenerateAccessToken("alice", "Alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		url    string
		status int
		body   string
	}{
		{name: "missing token", url: "/ws", status: http.StatusUnauthorized},
		{
			name:   "malformed header",
			url:    "/ws",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Token "+token) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "bearer header",
			url:    "/ws",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			status: http.StatusOK,
			body:   "alice",
		},
		{name: "query parameter", url: "/ws?token=" + token, status: http.StatusOK, body: "alice"},
		{name: "invalid token", url: "/ws?token=garbage", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.setup != nil {
				tt.setup(req)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_Revocation(t *testing.T) {
	t.Run("revoked token is refused", func(t *testing.T) {
		engine, manager := newAuthEngine(stubChecker{revoked: true})
		token, _ := manager.GenerateAccessToken("alice", "Alice")

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("checker failure fails open", func(t *testing.T) {
		engine, manager := newAuthEngine(stubChecker{err: errors.New("redis down")})
		token, _ := manager.GenerateAccessToken("alice", "Alice")

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthMiddleware_ErrorBody(t *testing.T) {
	engine, _ := newAuthEngine(nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, string(apperrors.ErrCodeUnauthorized), body.Error.Code)
	assert.Equal(t, "Invalid token", body.Error.Message)
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(CORSMiddleware(AllowedOrigins([]string{"https://chat.example.com"})))
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/health", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	w := serve(http.MethodGet, "https://chat.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(http.MethodGet, "https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(http.MethodOptions, "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOriginAllowed(t *testing.T) {
	allowed := AllowedOrigins(nil)
	assert.True(t, OriginAllowed(allowed, ""))
	assert.True(t, OriginAllowed(allowed, "http://localhost:5173"))
	assert.False(t, OriginAllowed(allowed, "https://chat.example.com"))
	assert.False(t, OriginAllowed(nil, "http://localhost:5173"))
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(SecurityHeaders())
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
