package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/tickwell/tickwell/internal/auth"
	appErrors "github.com/tickwell/tickwell/pkg/errors"
	"github.com/tickwell/tickwell/pkg/response"
)

// AuthHandler manages the authentication flows: register, login, two-factor
// verification, refresh, logout and password changes.
type AuthHandler struct {
	flows *iauth.FlowService
}

func NewAuthHandler(flows *iauth.FlowService) *AuthHandler {
	return &AuthHandler{flows: flows}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type verify2FARequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
	Code            string `json:"code" validate:"required,len=6"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	ExpiresIn    int64  `json:"expires_in"`
}

func tokensPayload(pair *iauth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		SessionID:    pair.SessionID,
		ExpiresIn:    pair.ExpiresIn,
	}
}

// writeAuthError maps flow-level errors onto API errors.
func writeAuthError(c *gin.Context, err error) {
	var (
		limited  *iauth.RateLimitedError
		capped   *iauth.SessionLimitError
		conflict *iauth.ConflictError
	)

	switch {
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
		response.Error(c, appErrors.NewRateLimited(limited.RetryAfterSeconds()))
	case errors.As(err, &capped):
		response.Error(c, appErrors.NewSessionLimitExceeded(string(capped.Tier), capped.Limit))
	case errors.As(err, &conflict):
		response.Error(c, appErrors.NewConflict(conflict.Field))
	case errors.Is(err, iauth.ErrInvalidCredentials):
		response.Error(c, appErrors.ErrInvalidCredentials)
	case errors.Is(err, iauth.ErrInvalidToken):
		response.Error(c, appErrors.ErrInvalidToken)
	case errors.Is(err, iauth.ErrTwoFactorInvalid):
		response.Error(c, appErrors.ErrTwoFactorInvalid)
	case errors.Is(err, iauth.ErrUserNotFound):
		response.Error(c, appErrors.ErrNotFound)
	default:
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
	}
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	profile, err := h.flows.Register(c.Request.Context(), iauth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeAuthError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"user": profile})
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.flows.Login(c.Request.Context(), iauth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		SourceID: c.ClientIP(),
	}, clientInfo(c))
	if err != nil {
		writeAuthError(c, err)
		return
	}

	if result.TwoFactorRequired {
		response.Success(c, http.StatusOK, gin.H{
			"status": "PENDING_2FA",
			"user":   result.User,
		})
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"status": "AUTHENTICATED",
		"user":   result.User,
		"tokens": tokensPayload(result.TokenPair),
	})
}

// POST /api/auth/verify-2fa
func (h *AuthHandler) Verify2FA(c *gin.Context) {
	var req verify2FARequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.flows.Verify2FA(c.Request.Context(), req.Email, req.Code, clientInfo(c))
	if err != nil {
		writeAuthError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"status": "AUTHENTICATED",
		"user":   result.User,
		"tokens": tokensPayload(result.TokenPair),
	})
}

// refreshTokenFrom prefers the request body and falls back to the
// refresh_token cookie.
func refreshTokenFrom(c *gin.Context, bodyToken string) string {
	if token := strings.TrimSpace(bodyToken); token != "" {
		return token
	}
	if cookie, err := c.Cookie("refresh_token"); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	token := refreshTokenFrom(c, req.RefreshToken)
	if token == "" {
		response.Error(c, appErrors.NewBadRequest("refresh token is required"))
		return
	}

	pair, err := h.flows.Refresh(c.Request.Context(), token)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"tokens": tokensPayload(pair)})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req logoutRequest
	// Body is optional; a bare logout with a session-bearing access token works.
	_ = c.ShouldBindJSON(&req)

	if err := h.flows.Logout(c.Request.Context(), currentSessionID(c), refreshTokenFrom(c, req.RefreshToken)); err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/auth/password/code
func (h *AuthHandler) RequestPasswordCode(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.flows.RequestPasswordChangeCode(c.Request.Context(), userID); err != nil {
		writeAuthError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sent": true})
}

// PUT /api/auth/password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.flows.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword, req.Code)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"changed": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	profile, err := h.flows.GetUser(c.Request.Context(), userID)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	response.Success(c, http.StatusOK, profile)
}

func clientInfo(c *gin.Context) iauth.ClientInfo {
	return iauth.ClientInfo{
		IPAddress:  c.ClientIP(),
		DeviceName: c.Request.UserAgent(),
	}
}
