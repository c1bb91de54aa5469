package handlers

import (
	"net/http"

	"github.com/hpcdesk/hpcdesk/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	ready := State != nil && State.Ready()

	status := "healthy"
	if !ready {
		status = "starting"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"ready":    ready,
		"database": dbStatus,
	})
}
