package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/tickwell/tickwell/internal/middleware"
)

// currentUserID extracts the authenticated user id set by the auth middleware.
func currentUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		return "", false
	}
	userID, _ := v.(string)
	return userID, userID != ""
}

// currentSessionID extracts the authenticated session id when the access
// token carries one.
func currentSessionID(c *gin.Context) string {
	v, ok := c.Get(middleware.CtxSessionIDKey)
	if !ok {
		return ""
	}
	sid, _ := v.(string)
	return sid
}
