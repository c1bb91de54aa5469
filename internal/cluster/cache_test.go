package cluster

import (
	"testing"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/database"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestCacheUnknownCluster(t *testing.T) {
	c := NewCache(DefaultCacheTTL, nil)
	_, age, valid := c.Get("nowhere")
	if valid {
		t.Error("unknown cluster should be invalid")
	}
	if age != InfiniteAge {
		t.Errorf("unknown cluster age = %d, want infinite", age)
	}
}

func TestCacheSetGetInvalidate(t *testing.T) {
	c := NewCache(DefaultCacheTTL, nil)

	h := Health{Online: true, Usage: slurm.Utilization{RunningJobs: 3}, LastChecked: time.Now()}
	c.Set("gemini", h)

	got, age, valid := c.Get("gemini")
	if !valid {
		t.Fatal("fresh entry should be valid")
	}
	if age < 0 || age > 5000 {
		t.Errorf("unexpected age %dms", age)
	}
	if !got.Online || got.Usage.RunningJobs != 3 {
		t.Errorf("snapshot mangled: %+v", got)
	}

	c.Invalidate("gemini")
	if _, _, valid := c.Get("gemini"); valid {
		t.Error("invalidated entry should be invalid")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond, nil)
	c.Set("gemini", Health{Online: true})
	time.Sleep(5 * time.Millisecond)
	if _, _, valid := c.Get("gemini"); valid {
		t.Error("entry past TTL should be invalid")
	}
}

func TestCachePersistAndLoad(t *testing.T) {
	db := setupTestDB(t)

	c := NewCache(DefaultCacheTTL, db)
	c.Set("gemini", Health{Online: true, Usage: slurm.Utilization{PendingJobs: 7}})

	// A fresh cache over the same database sees the persisted snapshot.
	c2 := NewCache(DefaultCacheTTL, db)
	c2.Load()
	got, _, valid := c2.Get("gemini")
	if !valid || !got.Online || got.Usage.PendingJobs != 7 {
		t.Fatalf("reloaded = (%+v, valid=%v)", got, valid)
	}

	c2.InvalidateAll()
	var count int64
	db.Model(&database.ClusterCacheEntry{}).Count(&count)
	if count != 0 {
		t.Errorf("rows left after InvalidateAll: %d", count)
	}
}
