// Package settings stores runtime-tunable knobs in the database so they
// survive restarts and can be changed through the management API without
// redeploying.
package settings

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Known setting keys. Values are stored as strings and parsed on read.
const (
	KeyProcessorInterval      = "processor.interval_seconds"
	KeyProcessorMaxConcurrent = "processor.max_concurrent"
	KeyRetryBaseDelay         = "retry.base_delay_seconds"
	KeyRetryMaxDelay          = "retry.max_delay_seconds"
	KeyRetryMaxAttempts       = "retry.max_attempts"
	KeyArchiveRetentionDays   = "archive.retention_days"
	KeySourcesReconcile       = "sources.reconcile_seconds"
)

// Setting is one persisted key/value pair.
type Setting struct {
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Value     string    `gorm:"size:512" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Setting) TableName() string { return "settings" }

// Store reads and writes settings rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the raw value for key and whether it exists.
func (s *Store) Get(key string) (string, bool, error) {
	var row Setting
	err := s.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// Set upserts one setting.
func (s *Store) Set(key, value string) error {
	now := time.Now().UTC()
	res := s.db.Model(&Setting{}).Where("key = ?", key).Updates(map[string]any{
		"value":      value,
		"updated_at": now,
	})
	if res.Error != nil {
		return fmt.Errorf("update setting %s: %w", key, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := s.db.Create(&Setting{Key: key, Value: value, UpdatedAt: now}).Error; err != nil {
		return fmt.Errorf("insert setting %s: %w", key, err)
	}
	return nil
}

// All returns every setting keyed by name.
func (s *Store) All() (map[string]string, error) {
	var rows []Setting
	if err := s.db.Order("key asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// EnsureDefaults inserts any missing keys from defaults without touching
// values an operator has already set.
func (s *Store) EnsureDefaults(defaults map[string]string) error {
	for key, value := range defaults {
		_, ok, err := s.Get(key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Int parses the setting as an integer, falling back when the key is
// missing or malformed. A bad value in the table must never stall the
// pipeline.
func (s *Store) Int(key string, fallback int) int {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// Seconds parses the setting as a whole number of seconds.
func (s *Store) Seconds(key string, fallback time.Duration) time.Duration {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Bool parses the setting as a boolean.
func (s *Store) Bool(key string, fallback bool) bool {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
