package handlers

import (
	"net/http"
	"time"

	"broadcast-scheduling-backend/pkg/config"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/utils"
)

// HealthHandler 健康检查
type HealthHandler struct {
	config *config.Config
	db     database.DatabaseInterface
}

func NewHealthHandler(cfg *config.Config, db database.DatabaseInterface) *HealthHandler {
	return &HealthHandler{config: cfg, db: db}
}

// HealthCheck GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	// 测试数据库连接
	dbStatus := "healthy"
	status := http.StatusOK
	if err := h.db.HealthCheck(r.Context()); err != nil {
		dbStatus = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	utils.WriteJSONResponse(w, status, map[string]interface{}{
		"service":     "broadcast-scheduling-backend",
		"version":     "1.0.0",
		"environment": h.config.Environment,
		"database":    h.config.ResolvedDriver(),
		"db_status":   dbStatus,
		"timestamp":   time.Now().Unix(),
	})
}
