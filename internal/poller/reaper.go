package poller

import (
	"context"
	"log"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/session"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

// IdleReaper cancels running jobs whose session has seen no proxy activity
// for longer than the configured timeout. The cron scheduler drives Scan
// once a minute.
type IdleReaper struct {
	state   *session.Manager
	exec    session.ExecFunc
	timeout time.Duration
}

// NewIdleReaper builds the reaper; a timeout of zero disables it.
func NewIdleReaper(state *session.Manager, exec session.ExecFunc, timeout time.Duration) *IdleReaper {
	return &IdleReaper{state: state, exec: exec, timeout: timeout}
}

// Scan cancels and archives every running session idle past the timeout.
// Sessions with neither activity nor a start time are skipped.
func (r *IdleReaper) Scan(ctx context.Context) {
	if r.timeout <= 0 {
		return
	}
	now := time.Now()
	for _, sess := range r.state.Store.All() {
		if sess.Status != session.StatusRunning || sess.JobID == "" {
			continue
		}

		var since time.Time
		switch {
		case sess.LastActivityMS > 0:
			since = time.UnixMilli(sess.LastActivityMS)
		case sess.StartedAt != nil:
			since = *sess.StartedAt
		default:
			continue
		}

		idleFor := now.Sub(since)
		if idleFor <= r.timeout {
			continue
		}

		log.Printf("Session %s idle for %s (timeout %s), cancelling job %s",
			sess.SessionKey, idleFor.Round(time.Second), r.timeout, sess.JobID)
		if _, err := r.exec(ctx, sess.HPC, slurm.CancelCommand(sess.JobID)); err != nil {
			log.Printf("Idle reaper: scancel %s on %s failed: %v", sess.JobID, sess.HPC, err)
		}
		r.state.ClearSession(sess.SessionKey, session.ClearOptions{EndReason: "timeout"})
	}
}
