// Package store opens the service database and migrates the schema.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/settings"
	"github.com/your-org/datalift/internal/sources"
)

// Open connects to the SQLite database at path and migrates every table
// the service uses. The parent directory is created when missing. WAL
// mode and a busy timeout keep the concurrent source workers and the
// processor from tripping over the single-writer lock.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&queue.Item{},
		&queue.ProgressRecord{},
		&queue.HistoryRecord{},
		&sources.DataSource{},
		&settings.Setting{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}
