// Package handlers holds the broker's thin HTTP surface: the JSON session
// API, cluster status, server logs, and the IDE proxy mounts. Core logic
// lives in the session, cluster, and proxy packages; handlers only translate
// HTTP to calls and errors to status codes.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/cluster"
	"github.com/hpcdesk/hpcdesk/internal/proxy"
	"github.com/hpcdesk/hpcdesk/internal/session"
)

// Wiring set up by main before the router starts.
var (
	State      *session.Manager
	Pipeline   *session.Pipeline
	Cache      *cluster.Cache
	Partitions *cluster.PartitionStore
	Proxies    *proxy.Registry
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := apperror.ToHTTP(err)
	writeJSON(w, status, body)
}
