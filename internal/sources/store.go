package sources

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("data source not found")

// StatusRecorder receives per-run health reports from source workers.
type StatusRecorder interface {
	RecordSuccess(sourceID uint)
	RecordError(sourceID uint, err error)
}

// Store persists data source configuration and run health.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// List returns every source ordered by name.
func (s *Store) List() ([]DataSource, error) {
	var out []DataSource
	err := s.db.Order("name asc").Find(&out).Error
	return out, err
}

// Enabled returns enabled sources of the given type, ordered by name.
func (s *Store) Enabled(typ Type) ([]DataSource, error) {
	var out []DataSource
	err := s.db.Where("enabled = ? AND type = ?", true, typ).Order("name asc").Find(&out).Error
	return out, err
}

func (s *Store) Get(id uint) (*DataSource, error) {
	var src DataSource
	err := s.db.First(&src, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// FindByName returns the source with the given name, or nil.
func (s *Store) FindByName(name string) (*DataSource, error) {
	var src DataSource
	err := s.db.Where("name = ?", name).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Store) Create(src *DataSource) error {
	if err := s.db.Create(src).Error; err != nil {
		return fmt.Errorf("create data source %s: %w", src.Name, err)
	}
	return nil
}

func (s *Store) Update(src *DataSource) error {
	if err := s.db.Save(src).Error; err != nil {
		return fmt.Errorf("update data source %d: %w", src.ID, err)
	}
	return nil
}

func (s *Store) Delete(id uint) error {
	res := s.db.Delete(&DataSource{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag. The coordinator picks the change up
// on its next reconcile pass.
func (s *Store) SetEnabled(id uint, enabled bool) error {
	res := s.db.Model(&DataSource{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSuccess clears the error state after a healthy run.
func (s *Store) RecordSuccess(sourceID uint) {
	s.db.Model(&DataSource{}).Where("id = ?", sourceID).Updates(map[string]any{
		"last_run_at":          time.Now().UTC(),
		"last_error":           "",
		"consecutive_failures": 0,
	})
}

// RecordError stores the failure and bumps the consecutive counter.
func (s *Store) RecordError(sourceID uint, err error) {
	s.db.Model(&DataSource{}).Where("id = ?", sourceID).Updates(map[string]any{
		"last_run_at":          time.Now().UTC(),
		"last_error":           err.Error(),
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
	})
}
