// Package poller runs the broker's background loops: the adaptive job
// poller, the fixed-interval health poller and the idle reaper. Loops never
// die on a failed cycle; they log and reschedule.
package poller

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/session"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
)

// Poll intervals. The job poller picks one per cycle from the session mix
// and stretches it when nothing changes.
const (
	IntervalFrequent   = 15 * time.Second
	IntervalModerate   = 60 * time.Second
	IntervalRelaxed    = 5 * time.Minute
	IntervalInfrequent = 10 * time.Minute
	IntervalIdle       = 30 * time.Minute
	IntervalMax        = time.Hour
)

// JobPoller keeps sessions in sync with the cluster queues. One batched
// squeue call per cluster per cycle; individual job lookups are never made.
type JobPoller struct {
	state *session.Manager
	exec  session.ExecFunc

	fast chan struct{}

	mu        sync.Mutex
	onRunning func(sess session.Session)

	unchangedCount int
}

func NewJobPoller(state *session.Manager, exec session.ExecFunc) *JobPoller {
	return &JobPoller{state: state, exec: exec, fast: make(chan struct{}, 1)}
}

// SetOnRunning registers the listener fired when a session first reaches
// running; tunnel and proxy setup hang off it.
func (p *JobPoller) SetOnRunning(fn func(sess session.Session)) {
	p.mu.Lock()
	p.onRunning = fn
	p.mu.Unlock()
}

// TriggerFastPoll re-arms the timer to fire within the frequent interval.
// Called after a submission so the new pending job is picked up quickly.
func (p *JobPoller) TriggerFastPoll() {
	select {
	case p.fast <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (p *JobPoller) Run(ctx context.Context) {
	log.Printf("Job poller started")
	timer := time.NewTimer(IntervalFrequent)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Job poller stopped")
			return
		case <-p.fast:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(IntervalFrequent)
			continue
		case <-timer.C:
		}

		significant := p.Cycle(ctx)
		if significant {
			p.unchangedCount = 0
		} else {
			p.unchangedCount++
		}

		next := nextInterval(p.state.Store.ActiveOnly(), p.unchangedCount)
		timer.Reset(next)
	}
}

// Cycle runs one poll over every cluster with active sessions. Returns
// whether any status transition or disappearance occurred. A cluster whose
// listing fails is skipped; its sessions are left untouched.
func (p *JobPoller) Cycle(ctx context.Context) bool {
	active := p.state.Store.ActiveOnly()
	if len(active) == 0 {
		return false
	}

	byCluster := make(map[string][]session.Session)
	for _, sess := range active {
		byCluster[sess.HPC] = append(byCluster[sess.HPC], sess)
	}

	var mu sync.Mutex
	significant := false
	var wg sync.WaitGroup
	for clusterName, sessions := range byCluster {
		wg.Add(1)
		go func(clusterName string, sessions []session.Session) {
			defer wg.Done()
			if p.pollCluster(ctx, clusterName, sessions) {
				mu.Lock()
				significant = true
				mu.Unlock()
			}
		}(clusterName, sessions)
	}
	wg.Wait()
	return significant
}

func (p *JobPoller) pollCluster(ctx context.Context, clusterName string, sessions []session.Session) bool {
	out, err := p.exec(ctx, clusterName, slurm.ListJobsCommand(config.Cfg.SSHUser))
	if err != nil {
		log.Printf("Job poll for %s failed: %v", clusterName, err)
		return false
	}

	jobs := make(map[string]slurm.QueuedJob)
	for _, job := range slurm.ParseQueue(out) {
		jobs[job.ID] = job
	}

	significant := false
	for _, sess := range sessions {
		if sess.JobID == "" {
			continue
		}
		job, present := jobs[sess.JobID]
		if !present {
			// the job left the queue; walltime expiry and completion both
			// land here
			endReason := "completed"
			if sess.Error != "" {
				endReason = "error"
			}
			log.Printf("Job %s for %s is gone, archiving (%s)", sess.JobID, sess.SessionKey, endReason)
			p.state.ClearSession(sess.SessionKey, session.ClearOptions{EndReason: endReason, ErrorMessage: sess.Error})
			significant = true
			continue
		}

		switch {
		case job.State == slurm.StatePending:
			if sess.Status != session.StatusPending {
				significant = true
			}
			p.state.Store.Update(sess.SessionKey, func(s *session.Session) {
				s.Status = session.StatusPending
				s.TimeLeftSeconds = job.TimeLeftSeconds
			})

		case job.State == slurm.StateRunning:
			transitioned := sess.Status != session.StatusRunning
			updated, err := p.state.Store.Update(sess.SessionKey, func(s *session.Session) {
				s.Status = session.StatusRunning
				s.Node = job.Node
				s.TimeLeftSeconds = job.TimeLeftSeconds
				if s.StartedAt == nil {
					now := time.Now()
					s.StartedAt = &now
				}
			})
			if transitioned {
				significant = true
				log.Printf("Session %s is running on %s", sess.SessionKey, job.Node)
				if err == nil {
					p.mu.Lock()
					fn := p.onRunning
					p.mu.Unlock()
					if fn != nil {
						fn(updated)
					}
				}
			}

		case job.State.Terminal():
			p.state.ClearSession(sess.SessionKey, session.ClearOptions{EndReason: job.State.EndReason()})
			significant = true
		}
	}
	return significant
}

// nextInterval selects the next poll delay: frequent while anything is
// pending, idle with no sessions, otherwise staged on the soonest job end,
// stretched by 1.5^min(n-2, 3) once three cycles pass without change.
func nextInterval(active []session.Session, unchangedCount int) time.Duration {
	base := baseInterval(active)
	if unchangedCount >= 3 {
		mult := math.Pow(1.5, math.Min(float64(unchangedCount-2), 3))
		base = time.Duration(float64(base) * mult)
	}
	if base > IntervalMax {
		base = IntervalMax
	}
	return base
}

func baseInterval(active []session.Session) time.Duration {
	if len(active) == 0 {
		return IntervalIdle
	}
	minTimeLeft := math.MaxInt
	for _, sess := range active {
		if sess.Status == session.StatusPending {
			return IntervalFrequent
		}
		if sess.TimeLeftSeconds > 0 && sess.TimeLeftSeconds < minTimeLeft {
			minTimeLeft = sess.TimeLeftSeconds
		}
	}
	switch {
	case minTimeLeft < 600:
		return IntervalFrequent
	case minTimeLeft < 1800:
		return IntervalModerate
	case minTimeLeft < 3600:
		return IntervalRelaxed
	case minTimeLeft < 21600:
		return IntervalInfrequent
	default:
		return IntervalIdle
	}
}
