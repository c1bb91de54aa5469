package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/logutil"
	"github.com/hpcdesk/hpcdesk/internal/session"
)

// ListSessions returns all sessions, or one user's when ?user= is given.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []session.Session
	if user := r.URL.Query().Get("user"); user != "" {
		sessions = State.Store.ForUser(user)
	} else {
		sessions = State.Store.All()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session by its composite key.
func GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := State.Store.Get(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetActiveSession returns the pointer to the session the proxy mounts
// currently serve, or 404 when none is set.
func GetActiveSession(w http.ResponseWriter, r *http.Request) {
	ptr := State.ActivePointer()
	if ptr == nil {
		writeError(w, apperror.New(apperror.NotFound, "no active session"))
		return
	}
	writeJSON(w, http.StatusOK, ptr)
}

// LaunchSession validates and submits a new IDE job.
func LaunchSession(w http.ResponseWriter, r *http.Request) {
	var req session.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.Wrap(apperror.Validation, "malformed launch request", err))
		return
	}

	sess, err := Pipeline.Launch(r.Context(), req)
	if err != nil {
		log.Printf("Launch request for %s/%s/%s failed: %v",
			logutil.SanitizeForLog(req.User), logutil.SanitizeForLog(req.Cluster),
			logutil.SanitizeForLog(req.IDE), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// StopSession cancels a session's job and archives it.
func StopSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := Pipeline.Stop(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	Proxies.Destroy(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// GetHistory returns archived sessions, newest first, with optional
// user/hpc/ide filters and limit/offset paging.
func GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.HistoryFilter{
		User: q.Get("user"),
		HPC:  q.Get("hpc"),
		IDE:  q.Get("ide"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		filter.Offset = v
	}

	items, err := State.Store.History(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := State.Store.HistoryCount(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": total})
}
