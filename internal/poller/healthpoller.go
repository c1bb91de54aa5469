package poller

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/cluster"
	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/database"
	"github.com/hpcdesk/hpcdesk/internal/session"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
	"gorm.io/gorm"
)

// HealthInterval is the fixed health poll cadence.
const HealthInterval = 30 * time.Minute

// healthRetention is how long downsampled archive rows are kept.
const healthRetention = 365 * 24 * time.Hour

// HealthPoller samples cluster utilisation on a fixed interval, maintains
// the cluster cache and appends health history, rolling full-resolution
// entries older than a day into the hourly archive.
type HealthPoller struct {
	cache *cluster.Cache
	parts *cluster.PartitionStore
	state *session.Manager
	exec  session.ExecFunc
	db    *gorm.DB

	clusters func() []string

	mu           sync.Mutex
	failures     map[string]int
	lastRollover map[string]time.Time
}

func NewHealthPoller(cache *cluster.Cache, parts *cluster.PartitionStore, state *session.Manager, exec session.ExecFunc, db *gorm.DB, clusters func() []string) *HealthPoller {
	return &HealthPoller{
		cache:        cache,
		parts:        parts,
		state:        state,
		exec:         exec,
		db:           db,
		clusters:     clusters,
		failures:     make(map[string]int),
		lastRollover: make(map[string]time.Time),
	}
}

// Run polls until the context is cancelled. When every cluster still has a
// fresh online snapshot from before a restart, the first poll waits out the
// remaining TTL instead of hammering the clusters on boot.
func (p *HealthPoller) Run(ctx context.Context) {
	delay := p.initialDelay()
	if delay > 0 {
		log.Printf("Health poller deferring first poll by %s (caches fresh)", delay.Round(time.Second))
	}
	log.Printf("Health poller started (interval %s)", HealthInterval)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Health poller stopped")
			return
		case <-timer.C:
		}
		p.Cycle(ctx)
		timer.Reset(HealthInterval)
	}
}

func (p *HealthPoller) initialDelay() time.Duration {
	remaining := time.Duration(0)
	for _, name := range p.clusters() {
		h, ageMs, valid := p.cache.Get(name)
		if !valid || !h.Online {
			return 0
		}
		left := p.cache.TTL() - time.Duration(ageMs)*time.Millisecond
		if remaining == 0 || left < remaining {
			remaining = left
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cycle samples every cluster in parallel.
func (p *HealthPoller) Cycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.clusters() {
		wg.Add(1)
		go func(clusterName string) {
			defer wg.Done()
			p.sampleCluster(ctx, clusterName)
		}(name)
	}
	wg.Wait()
}

func (p *HealthPoller) sampleCluster(ctx context.Context, clusterName string) {
	nodesOut, err := p.exec(ctx, clusterName, slurm.NodesCommand())
	if err != nil {
		p.recordFailure(clusterName, err)
		return
	}
	usage := slurm.ParseNodes(nodesOut)

	if jobsOut, err := p.exec(ctx, clusterName, slurm.JobCountsCommand()); err != nil {
		p.recordFailure(clusterName, err)
		return
	} else {
		usage.RunningJobs, usage.PendingJobs = slurm.ParseJobCounts(jobsOut)
	}

	// fairshare is best-effort; the sample stands without it
	if config.Cfg.SSHUser != "" {
		if account, err := p.state.FetchUserAccount(ctx, config.Cfg.SSHUser); err == nil {
			if out, err := p.exec(ctx, clusterName, slurm.FairshareCommand(account)); err == nil {
				usage.Fairshare = slurm.ParseFairshare(out)
			}
		}
	}

	p.mu.Lock()
	p.failures[clusterName] = 0
	p.mu.Unlock()

	now := time.Now()
	p.cache.Set(clusterName, cluster.Health{Online: true, Usage: usage, LastChecked: now})
	p.appendHistory(clusterName, usage, now)
	p.rollover(clusterName, now)
}

func (p *HealthPoller) recordFailure(clusterName string, err error) {
	p.mu.Lock()
	p.failures[clusterName]++
	n := p.failures[clusterName]
	p.mu.Unlock()

	p.cache.Set(clusterName, cluster.Health{
		Online:              false,
		Error:               err.Error(),
		LastChecked:         time.Now(),
		ConsecutiveFailures: n,
	})
	if n >= 5 {
		log.Printf("ERROR: health poll for %s failed %d times in a row: %v", clusterName, n, err)
	} else {
		log.Printf("WARNING: health poll for %s failed (%d consecutive): %v", clusterName, n, err)
	}
}

// appendHistory writes one full-resolution sample, attaching the GPU
// partitions' CPU percentages when they can be identified.
func (p *HealthPoller) appendHistory(clusterName string, usage slurm.Utilization, now time.Time) {
	if p.db == nil {
		return
	}
	entry := database.ClusterHealthEntry{
		HPC:            clusterName,
		Timestamp:      now,
		CPUPercent:     usage.CPUs.Percent,
		MemoryPercent:  usage.MemoryMB.Percent,
		NodePercent:    usage.Nodes.Percent,
		GPUPercent:     usage.GPUs.Percent,
		RunningJobs:    usage.RunningJobs,
		PendingJobs:    usage.PendingJobs,
		A100CPUPercent: p.gpuPartitionCPU(clusterName, usage, "a100"),
		V100CPUPercent: p.gpuPartitionCPU(clusterName, usage, "v100"),
	}
	if err := p.db.Create(&entry).Error; err != nil {
		log.Printf("Health history append for %s: %v", clusterName, err)
	}
}

// gpuPartitionCPU finds the CPU load of the partition carrying the given GPU
// type, via the partition store when refreshed, by name otherwise.
func (p *HealthPoller) gpuPartitionCPU(clusterName string, usage slurm.Utilization, gpuType string) *float64 {
	for _, row := range p.parts.ListForCluster(clusterName) {
		if row.GPUType == gpuType {
			if res, ok := usage.PartitionCPUs[row.Name]; ok {
				pct := res.Percent
				return &pct
			}
		}
	}
	for name, res := range usage.PartitionCPUs {
		if strings.Contains(strings.ToLower(name), gpuType) {
			pct := res.Percent
			return &pct
		}
	}
	return nil
}

// rollover moves full-resolution entries older than 24h into the hourly
// archive, at most once an hour per cluster, and prunes archive rows past
// retention. The merge with existing archive rows re-downsamples the whole
// affected dates, which is safe because downsampling is idempotent.
func (p *HealthPoller) rollover(clusterName string, now time.Time) {
	if p.db == nil {
		return
	}
	p.mu.Lock()
	if last, ok := p.lastRollover[clusterName]; ok && now.Sub(last) < time.Hour {
		p.mu.Unlock()
		return
	}
	p.lastRollover[clusterName] = now
	p.mu.Unlock()

	cutoff := now.Add(-24 * time.Hour)
	var old []database.ClusterHealthEntry
	if err := p.db.Where("hpc = ? AND timestamp < ?", clusterName, cutoff).Find(&old).Error; err != nil {
		log.Printf("Health rollover query for %s: %v", clusterName, err)
		return
	}

	if len(old) > 0 {
		rolled := make([]database.ClusterHealthArchive, 0, len(old))
		dateSet := make(map[string]bool)
		ids := make([]uint, 0, len(old))
		for _, e := range old {
			date := e.Timestamp.UTC().Format("2006-01-02")
			dateSet[date] = true
			ids = append(ids, e.ID)
			rolled = append(rolled, database.ClusterHealthArchive{
				HPC:            e.HPC,
				Date:           date,
				Timestamp:      e.Timestamp,
				CPUPercent:     e.CPUPercent,
				MemoryPercent:  e.MemoryPercent,
				NodePercent:    e.NodePercent,
				GPUPercent:     e.GPUPercent,
				RunningJobs:    e.RunningJobs,
				PendingJobs:    e.PendingJobs,
				A100CPUPercent: e.A100CPUPercent,
				V100CPUPercent: e.V100CPUPercent,
				SampleCount:    1,
			})
		}
		dates := make([]string, 0, len(dateSet))
		for d := range dateSet {
			dates = append(dates, d)
		}

		var existing []database.ClusterHealthArchive
		p.db.Where("hpc = ? AND date IN ?", clusterName, dates).Find(&existing)
		for i := range existing {
			existing[i].ID = 0
		}
		merged := cluster.DownsampleHourly(append(existing, rolled...))

		err := p.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("hpc = ? AND date IN ?", clusterName, dates).
				Delete(&database.ClusterHealthArchive{}).Error; err != nil {
				return err
			}
			if err := tx.Create(&merged).Error; err != nil {
				return err
			}
			return tx.Where("id IN ?", ids).Delete(&database.ClusterHealthEntry{}).Error
		})
		if err != nil {
			log.Printf("Health rollover for %s: %v", clusterName, err)
			return
		}
		log.Printf("Health rollover for %s: %d samples into %d hourly entries", clusterName, len(old), len(merged))
	}

	retentionCutoff := now.Add(-healthRetention).UTC().Format("2006-01-02")
	p.db.Where("hpc = ? AND date < ?", clusterName, retentionCutoff).
		Delete(&database.ClusterHealthArchive{})
}
