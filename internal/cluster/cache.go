package cluster

import (
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCacheTTL is how long a health snapshot is served as fresh.
const DefaultCacheTTL = 30 * time.Minute

// InfiniteAge is the age reported for clusters with no cache entry.
const InfiniteAge = int64(math.MaxInt64)

type cacheEntry struct {
	health Health
	at     time.Time
}

// Cache is the in-memory health snapshot per cluster, written through to the
// cluster_cache table so restarts can serve a view before the first poll.
type Cache struct {
	ttl time.Duration
	db  *gorm.DB

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache creates a cache with the given TTL. db may be nil (memory-only).
func NewCache(ttl time.Duration, db *gorm.DB) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, db: db, entries: make(map[string]cacheEntry)}
}

// Load repopulates the cache from the database, preserving entry ages.
func (c *Cache) Load() {
	if c.db == nil {
		return
	}
	var rows []database.ClusterCacheEntry
	if err := c.db.Find(&rows).Error; err != nil {
		log.Printf("Cluster cache load failed: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		var h Health
		if err := json.Unmarshal([]byte(row.Data), &h); err != nil {
			log.Printf("Cluster cache entry for %s is corrupt, dropping: %v", row.HPC, err)
			continue
		}
		c.entries[row.HPC] = cacheEntry{health: h, at: row.UpdatedAt}
	}
	if len(rows) > 0 {
		log.Printf("Cluster cache loaded (%d clusters)", len(rows))
	}
}

// Get returns the snapshot for a cluster with its age in milliseconds and
// whether it is still within the TTL. Unknown clusters report an infinite age.
func (c *Cache) Get(cluster string) (Health, int64, bool) {
	c.mu.RLock()
	e, ok := c.entries[cluster]
	c.mu.RUnlock()
	if !ok {
		return Health{}, InfiniteAge, false
	}
	age := time.Since(e.at)
	return e.health, age.Milliseconds(), age < c.ttl
}

// Set stores a snapshot and writes it through to the database.
func (c *Cache) Set(cluster string, h Health) {
	c.mu.Lock()
	c.entries[cluster] = cacheEntry{health: h, at: time.Now()}
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	data, err := json.Marshal(h)
	if err != nil {
		log.Printf("Cluster cache marshal for %s: %v", cluster, err)
		return
	}
	row := database.ClusterCacheEntry{HPC: cluster, Data: string(data)}
	err = c.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		log.Printf("Cluster cache persist for %s: %v", cluster, err)
	}
}

// Invalidate drops the entry for one cluster.
func (c *Cache) Invalidate(cluster string) {
	c.mu.Lock()
	delete(c.entries, cluster)
	c.mu.Unlock()
	if c.db != nil {
		c.db.Where("hpc = ?", cluster).Delete(&database.ClusterCacheEntry{})
	}
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	if c.db != nil {
		c.db.Where("1 = 1").Delete(&database.ClusterCacheEntry{})
	}
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }
