package database

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hpcdesk/hpcdesk/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB is nil when USE_SQLITE=false; stores treat a nil DB as memory-only.
var DB *gorm.DB

func Init() error {
	if !config.Cfg.UseSqlite {
		log.Printf("Persistence disabled (USE_SQLITE=false), running in-memory")
		return nil
	}

	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}
	return nil
}

// Migrate runs AutoMigrate plus the one-shot legacy migrations. Exported so
// tests can apply the schema to an in-memory database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ActiveSession{},
		&SessionHistory{},
		&ClusterHealthEntry{},
		&ClusterHealthArchive{},
		&ClusterCacheEntry{},
		&AppState{},
		&PartitionLimit{},
		&UserAccount{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := migrateDevServerFlag(db); err != nil {
		return fmt.Errorf("migrate dev server flag: %w", err)
	}
	if err := migrateActiveSessionPointer(db); err != nil {
		return fmt.Errorf("migrate active session pointer: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// migrateDevServerFlag folds the legacy used_shiny / used_live_server
// columns into the unified used_dev_server flag. Idempotent; the legacy
// columns are left in place (sqlite cannot drop them cheaply) but are never
// read again.
func migrateDevServerFlag(db *gorm.DB) error {
	var columns []struct {
		Name string `gorm:"column:name"`
	}
	db.Raw("PRAGMA table_info(active_sessions)").Scan(&columns)

	hasLegacy := false
	for _, c := range columns {
		if c.Name == "used_shiny" || c.Name == "used_live_server" {
			hasLegacy = true
			break
		}
	}
	if !hasLegacy {
		return nil
	}

	for _, col := range []string{"used_shiny", "used_live_server"} {
		if err := db.Exec(fmt.Sprintf(
			"UPDATE active_sessions SET used_dev_server = 1 WHERE %s = 1", col,
		)).Error; err != nil {
			log.Printf("fold legacy column %s: %v", col, err)
		}
	}
	return nil
}

// migrateActiveSessionPointer drops an activeSession value written by the
// old schema (without the user field); the new {user, hpc, ide} shape is the
// only one preserved.
func migrateActiveSessionPointer(db *gorm.DB) error {
	var row AppState
	if err := db.Where("key = ?", "activeSession").First(&row).Error; err != nil {
		return nil
	}
	var ptr map[string]any
	if err := json.Unmarshal([]byte(row.Value), &ptr); err != nil {
		return db.Delete(&AppState{}, "key = ?", "activeSession").Error
	}
	if _, ok := ptr["user"]; !ok {
		return db.Delete(&AppState{}, "key = ?", "activeSession").Error
	}
	return nil
}

// App state helpers

func GetAppState(key string) (string, error) {
	var s AppState
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetAppState(key, value string) error {
	row := AppState{Key: key, Value: value}
	return DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func DeleteAppState(key string) error {
	return DB.Where("key = ?", key).Delete(&AppState{}).Error
}
