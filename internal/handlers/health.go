package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	appErrors "github.com/tickwell/tickwell/pkg/errors"
	"github.com/tickwell/tickwell/pkg/response"
)

// HealthHandler reports process and database liveness.
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// GET /health
func (h *HealthHandler) Check(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		response.Error(c, appErrors.New("UNHEALTHY", "database unreachable", http.StatusServiceUnavailable).WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}
