package handlers

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// tokenTTL 登录令牌有效期
const tokenTTL = 24 * time.Hour

// AuthHandler 认证处理器
type AuthHandler struct {
	logger   *logrus.Logger
	username string
	password string

	mu     sync.RWMutex
	tokens map[string]time.Time // token -> 过期时间
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	Status  string `json:"status"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewAuthHandler 创建认证处理器
// 凭据通过 AUTH_USERNAME / AUTH_PASSWORD 环境变量配置
func NewAuthHandler(logger *logrus.Logger) *AuthHandler {
	username := os.Getenv("AUTH_USERNAME")
	if username == "" {
		username = "admin"
	}
	password := os.Getenv("AUTH_PASSWORD")
	if password == "" {
		logger.Warn("AUTH_PASSWORD not set, login is disabled")
	}

	return &AuthHandler{
		logger:   logger,
		username: username,
		password: password,
		tokens:   make(map[string]time.Time),
	}
}

// Enabled 是否配置了登录凭据
func (h *AuthHandler) Enabled() bool {
	return h.password != ""
}

// IsValidToken 检查令牌是否由本服务签发且未过期
func (h *AuthHandler) IsValidToken(token string) bool {
	h.mu.RLock()
	expiry, ok := h.tokens[token]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		h.mu.Lock()
		delete(h.tokens, token)
		h.mu.Unlock()
		return false
	}
	return true
}

// Login 登录接口
// POST /api/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{
			Status:  "error",
			Message: "请求参数错误",
		})
		return
	}

	if h.password == "" {
		c.JSON(http.StatusServiceUnavailable, LoginResponse{
			Status:  "error",
			Message: "认证服务未配置",
		})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.password)) == 1
	if !userOK || !passOK {
		h.logger.WithField("username", req.Username).Warn("Login failed: invalid credentials")
		c.JSON(http.StatusUnauthorized, LoginResponse{
			Status:  "error",
			Message: "用户名或密码错误",
		})
		return
	}

	token := uuid.New().String()
	h.mu.Lock()
	h.tokens[token] = time.Now().Add(tokenTTL)
	h.mu.Unlock()
	h.logger.WithField("username", req.Username).Info("Login successful")

	c.JSON(http.StatusOK, LoginResponse{
		Status: "ok",
		Token:  token,
	})
}

// ValidateToken 验证 Token
// GET /api/auth/validate
func (h *AuthHandler) ValidateToken(c *gin.Context) {
	// 从 Authorization header 获取 token
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"status":  "error",
			"message": "未提供认证令牌",
		})
		return
	}

	// 提取 Bearer token
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" || token == authHeader {
		c.JSON(http.StatusUnauthorized, gin.H{
			"status":  "error",
			"message": "认证令牌格式错误",
		})
		return
	}

	if h.IsValidToken(token) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"valid":  true,
		})
		return
	}

	c.JSON(http.StatusUnauthorized, gin.H{
		"status":  "error",
		"message": "无效的认证令牌",
	})
}
