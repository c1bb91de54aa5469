package cluster

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/database"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PartitionStore keeps the parsed partition limits per (cluster, partition),
// in memory with write-through to the partition_limits table. Validation of
// launch requests reads from here.
type PartitionStore struct {
	db *gorm.DB

	mu    sync.RWMutex
	rows  map[string]map[string]database.PartitionLimit // cluster -> name -> row
	stamp map[string]time.Time                          // cluster -> last refresh
}

func NewPartitionStore(db *gorm.DB) *PartitionStore {
	return &PartitionStore{
		db:    db,
		rows:  make(map[string]map[string]database.PartitionLimit),
		stamp: make(map[string]time.Time),
	}
}

// Load repopulates the store from the database.
func (s *PartitionStore) Load() {
	if s.db == nil {
		return
	}
	var rows []database.PartitionLimit
	if err := s.db.Find(&rows).Error; err != nil {
		log.Printf("Partition store load failed: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if s.rows[row.HPC] == nil {
			s.rows[row.HPC] = make(map[string]database.PartitionLimit)
		}
		s.rows[row.HPC][row.Name] = row
		if row.UpdatedAt.After(s.stamp[row.HPC]) {
			s.stamp[row.HPC] = row.UpdatedAt
		}
	}
	if len(rows) > 0 {
		log.Printf("Partition store loaded (%d partitions)", len(rows))
	}
}

// Upsert stores the limits for one partition.
func (s *PartitionStore) Upsert(cluster string, p slurm.PartitionInfo) {
	row := database.PartitionLimit{
		HPC:               cluster,
		Name:              p.Name,
		IsDefault:         p.IsDefault,
		MaxCPUs:           p.MaxCPUs,
		MaxMemMB:          p.MaxMemMB,
		MaxTime:           p.MaxTime,
		DefaultTime:       p.DefaultTime,
		TotalCPUs:         p.TotalCPUs,
		TotalNodes:        p.TotalNodes,
		TotalMemMB:        p.TotalMemMB,
		GPUCount:          p.GPUCount,
		GPUType:           p.GPUType,
		Restricted:        p.Restricted,
		RestrictionReason: p.RestrictionReason,
		UpdatedAt:         time.Now(),
	}

	s.mu.Lock()
	if s.rows[cluster] == nil {
		s.rows[cluster] = make(map[string]database.PartitionLimit)
	}
	s.rows[cluster][p.Name] = row
	s.stamp[cluster] = row.UpdatedAt
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		log.Printf("Partition upsert %s/%s: %v", cluster, p.Name, err)
	}
}

// Get returns the limits for one partition.
func (s *PartitionStore) Get(cluster, name string) (database.PartitionLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[cluster][name]
	if !ok {
		return database.PartitionLimit{}, apperror.Newf(apperror.NotFound, "no partition %s on cluster %s", name, cluster)
	}
	return row, nil
}

// ListForCluster returns the partitions of one cluster sorted by name.
func (s *PartitionStore) ListForCluster(cluster string) []database.PartitionLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]database.PartitionLimit, 0, len(s.rows[cluster]))
	for _, row := range s.rows[cluster] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAll returns every stored partition, sorted by cluster then name.
func (s *PartitionStore) ListAll() []database.PartitionLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []database.PartitionLimit
	for _, byName := range s.rows {
		for _, row := range byName {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HPC != out[j].HPC {
			return out[i].HPC < out[j].HPC
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DeleteStale removes partitions of the cluster not named in keep. Called
// after a successful refresh so removed partitions disappear.
func (s *PartitionStore) DeleteStale(cluster string, keep map[string]bool) {
	var stale []string
	s.mu.Lock()
	for name := range s.rows[cluster] {
		if !keep[name] {
			stale = append(stale, name)
			delete(s.rows[cluster], name)
		}
	}
	s.mu.Unlock()

	if s.db == nil || len(stale) == 0 {
		return
	}
	if err := s.db.Where("hpc = ? AND name IN ?", cluster, stale).
		Delete(&database.PartitionLimit{}).Error; err != nil {
		log.Printf("Partition delete stale on %s: %v", cluster, err)
	}
	log.Printf("Removed %d stale partitions on %s: %v", len(stale), cluster, stale)
}

// LastUpdated reports when the cluster's partitions were last refreshed; the
// zero time means never.
func (s *PartitionStore) LastUpdated(cluster string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stamp[cluster]
}

// Default returns the cluster's default partition.
func (s *PartitionStore) Default(cluster string) (database.PartitionLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[cluster] {
		if row.IsDefault {
			return row, nil
		}
	}
	return database.PartitionLimit{}, apperror.Newf(apperror.NotFound, "no default partition on cluster %s", cluster)
}
