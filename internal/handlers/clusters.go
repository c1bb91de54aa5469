package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/database"
)

// GetClusterStatus returns the cached health snapshot of every configured
// cluster, merged with its recent history. Stale entries are still returned,
// flagged by valid=false with their age; the health poller refreshes them in
// the background.
func GetClusterStatus(w http.ResponseWriter, r *http.Request) {
	type clusterStatus struct {
		Name    string      `json:"name"`
		AgeMS   int64       `json:"ageMs"`
		Valid   bool        `json:"valid"`
		Data    interface{} `json:"data"`
		History interface{} `json:"history,omitempty"`
	}

	out := []clusterStatus{}
	for _, name := range config.ClusterNames() {
		h, ageMS, valid := Cache.Get(name)
		cs := clusterStatus{Name: name, AgeMS: ageMS, Valid: valid}
		if valid {
			cs.Data = h
		}
		if database.DB != nil {
			var entries []database.ClusterHealthEntry
			since := time.Now().Add(-24 * time.Hour)
			database.DB.Where("hpc = ? AND timestamp >= ?", name, since).
				Order("timestamp").Find(&entries)
			if len(entries) > 0 {
				cs.History = entries
			}
		}
		out = append(out, cs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": out})
}

// GetPartitions returns the stored partition limits for one cluster.
func GetPartitions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "cluster")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cluster":     name,
		"partitions":  Partitions.ListForCluster(name),
		"lastUpdated": Partitions.LastUpdated(name),
	})
}
