package handlers

import (
	"net/http"
	"strconv"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/logging"
)

// GetServerLogs returns the last n lines of the broker's own log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 500
	if v, err := strconv.Atoi(r.URL.Query().Get("lines")); err == nil && v > 0 {
		if v > 10000 {
			v = 10000
		}
		lines = v
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Unexpected, "read server log", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines, "content": content})
}

// ClearServerLogs truncates the broker's log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, apperror.Wrap(apperror.Unexpected, "clear server log", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
