package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/tickwell/tickwell/internal/auth"
	"github.com/tickwell/tickwell/internal/models"
	appErrors "github.com/tickwell/tickwell/pkg/errors"
	"github.com/tickwell/tickwell/pkg/response"
)

// SessionHandler exposes the caller's own sessions for inspection and
// revocation.
type SessionHandler struct {
	sessions *iauth.SessionService
}

func NewSessionHandler(sessions *iauth.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type sessionView struct {
	ID         string `json:"id"`
	IPAddress  string `json:"ip_address"`
	DeviceName string `json:"device_name"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at"`
	ExpiresAt  string `json:"expires_at"`
	Revoked    bool   `json:"revoked"`
	Current    bool   `json:"current"`
}

func viewOf(s *models.Session, currentSID string) sessionView {
	return sessionView{
		ID:         s.ID,
		IPAddress:  s.IPAddress,
		DeviceName: s.DeviceName,
		CreatedAt:  s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LastUsedAt: s.LastUsedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		ExpiresAt:  s.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Revoked:    s.RevokedAt != nil,
		Current:    s.ID == currentSID,
	}
}

// GET /api/sessions/me
func (h *SessionHandler) ListMine(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessions, err := h.sessions.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	currentSID := currentSessionID(c)
	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, viewOf(&sessions[i], currentSID))
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": views})
}

// POST /api/sessions/revoke/:id
func (h *SessionHandler) Revoke(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		response.Error(c, appErrors.NewBadRequest("session id is required"))
		return
	}

	// Callers may only revoke their own sessions.
	owned, err := h.sessions.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}
	var found bool
	for i := range owned {
		if owned[i].ID == sessionID {
			found = true
			break
		}
	}
	if !found {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	if err := h.sessions.Revoke(c.Request.Context(), sessionID); err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/sessions/revoke_all
func (h *SessionHandler) RevokeAll(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	count, err := h.sessions.RevokeAllForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": count})
}
