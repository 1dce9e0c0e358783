package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthHandler(t *testing.T, password string) *AuthHandler {
	t.Helper()
	t.Setenv("AUTH_USERNAME", "admin")
	t.Setenv("AUTH_PASSWORD", password)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuthHandler(logger)
}

func doLogin(t *testing.T, h *AuthHandler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/login", h.Login)

	body, err := json.Marshal(LoginRequest{Username: username, Password: password})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestAuthHandler_LoginSuccess(t *testing.T) {
	h := newTestAuthHandler(t, "s3cret")
	assert.True(t, h.Enabled())

	w := doLogin(t, h, "admin", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotEmpty(t, resp.Token)

	assert.True(t, h.IsValidToken(resp.Token))
	assert.False(t, h.IsValidToken("not-a-real-token"))
}

func TestAuthHandler_LoginInvalidCredentials(t *testing.T) {
	h := newTestAuthHandler(t, "s3cret")

	w := doLogin(t, h, "admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_LoginDisabled(t *testing.T) {
	h := newTestAuthHandler(t, "")
	assert.False(t, h.Enabled())

	w := doLogin(t, h, "admin", "anything")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthHandler_TokenExpiry(t *testing.T) {
	h := newTestAuthHandler(t, "s3cret")

	w := doLogin(t, h, "admin", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// 直接把过期时间调到过去
	h.mu.Lock()
	h.tokens[resp.Token] = time.Now().Add(-time.Minute)
	h.mu.Unlock()

	assert.False(t, h.IsValidToken(resp.Token))
}

func TestAuthHandler_ValidateToken(t *testing.T) {
	h := newTestAuthHandler(t, "s3cret")

	login := doLogin(t, h, "admin", "s3cret")
	require.Equal(t, http.StatusOK, login.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &resp))

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/auth/validate", h.ValidateToken)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/validate", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/auth/validate", nil)
	req.Header.Set("Authorization", "Bearer stale-token")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
