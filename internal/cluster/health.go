// Package cluster holds the per-cluster state the pollers maintain: the
// last-known health snapshot, its TTL cache, parsed partition limits and the
// refresher that keeps them current.
package cluster

import (
	"time"

	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

// Health is one cluster health snapshot. Online=false snapshots carry only
// Error and LastChecked.
type Health struct {
	Online              bool              `json:"online"`
	Usage               slurm.Utilization `json:"usage"`
	LastChecked         time.Time         `json:"lastChecked"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	Error               string            `json:"error,omitempty"`
}
