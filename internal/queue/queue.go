// Package queue is the durable record of every ingested object and its
// delivery lifecycle. All mutation goes through the operations here so the
// state machine stays legal and deduplication stays serialized.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/your-org/datalift/internal/content"
	"github.com/your-org/datalift/internal/retry"
)

var (
	ErrNotFound          = errors.New("queue item not found")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Queue wraps the persistent store with the lifecycle operations of the
// upload pipeline. The enqueue mutex serializes the hash check-then-insert;
// this process is the sole queue owner, so an in-process lock is enough to
// keep deduplication linearizable.
type Queue struct {
	db     *gorm.DB
	policy *retry.Policy

	enqueueMu sync.Mutex
}

func New(db *gorm.DB, policy *retry.Policy) *Queue {
	if policy == nil {
		policy = retry.Default()
	}
	return &Queue{db: db, policy: policy}
}

// EnqueueParams carries everything a source knows about a candidate object.
type EnqueueParams struct {
	SourcePath  string
	DisplayName string
	ContentType content.Kind
	Origin      Origin
	SizeBytes   int64
	ContentHash string
}

// Enqueue inserts a new pending item, or returns the existing item
// unchanged when one with the same content hash already exists. This is
// the system's sole deduplication gate. The bool result reports whether a
// new row was created.
func (q *Queue) Enqueue(p EnqueueParams) (*Item, bool, error) {
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	if p.ContentHash != "" {
		existing, err := q.FindByHash(p.ContentHash)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	item := &Item{
		SourcePath:  p.SourcePath,
		DisplayName: p.DisplayName,
		ContentType: p.ContentType,
		Origin:      p.Origin,
		SizeBytes:   p.SizeBytes,
		ContentHash: p.ContentHash,
		State:       StatePending,
		MaxAttempts: q.policy.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := q.db.Create(item).Error; err != nil {
		return nil, false, fmt.Errorf("insert queue item: %w", err)
	}
	return item, true, nil
}

// FindByHash returns the item with the given content hash in any state,
// or nil when none exists.
func (q *Queue) FindByHash(hash string) (*Item, error) {
	var item Item
	err := q.db.Where("content_hash = ?", hash).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Get loads one item by id.
func (q *Queue) Get(id uint) (*Item, error) {
	var item Item
	err := q.db.First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListPending returns every pending item oldest-first.
func (q *Queue) ListPending() ([]Item, error) {
	var items []Item
	err := q.db.Where("state = ?", StatePending).Order("created_at asc").Find(&items).Error
	return items, err
}

// ListReady returns up to limit pending items whose backoff window has
// elapsed by now, oldest-first. This is what the processor claims from.
func (q *Queue) ListReady(now time.Time, limit int) ([]Item, error) {
	var items []Item
	err := q.db.
		Where("state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", StatePending, now.UTC()).
		Order("created_at asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ListFailed returns failed items, most recent failure first.
func (q *Queue) ListFailed() ([]Item, error) {
	var items []Item
	err := q.db.Where("state = ?", StateFailed).Order("last_attempt_at desc").Find(&items).Error
	return items, err
}

// Transition moves an item to newState after validating the move against
// the state machine. Setting StateCompleted stamps the completion time.
func (q *Queue) Transition(id uint, newState State, errText string) error {
	item, err := q.Get(id)
	if err != nil {
		return err
	}
	if !transitionAllowed(item.State, newState) {
		return fmt.Errorf("%w: %s -> %s (item %d)", ErrIllegalTransition, item.State, newState, id)
	}

	updates := map[string]any{"state": newState}
	if errText != "" {
		updates["last_error"] = errText
	}
	if newState == StateCompleted {
		updates["completed_at"] = time.Now().UTC()
	}

	res := q.db.Model(&Item{}).Where("id = ? AND state = ?", id, item.State).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: item %d changed state concurrently", ErrIllegalTransition, id)
	}
	return nil
}

// RecordProgress upserts the single progress row for an item.
func (q *Queue) RecordProgress(id uint, bytesUploaded, totalBytes int64, message string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"bytes_uploaded": bytesUploaded,
		"total_bytes":    totalBytes,
		"status_message": message,
		"updated_at":     now,
	}
	res := q.db.Model(&ProgressRecord{}).Where("item_id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	rec := ProgressRecord{
		ItemID:        id,
		BytesUploaded: bytesUploaded,
		TotalBytes:    totalBytes,
		StatusMessage: message,
		UpdatedAt:     now,
	}
	return q.db.Create(&rec).Error
}

// Progress returns the live progress row for an item, or nil.
func (q *Queue) Progress(id uint) (*ProgressRecord, error) {
	var rec ProgressRecord
	err := q.db.Where("item_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompleteSuccess marks a processing item delivered: records destination
// and duration, stamps completion, and writes the audit history row in the
// same transaction.
func (q *Queue) CompleteSuccess(id uint, destinationURL string, durationMs int64) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var item Item
		if err := tx.First(&item, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !transitionAllowed(item.State, StateCompleted) {
			return fmt.Errorf("%w: %s -> %s (item %d)", ErrIllegalTransition, item.State, StateCompleted, id)
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"state":              StateCompleted,
			"completed_at":       now,
			"destination_url":    destinationURL,
			"upload_duration_ms": durationMs,
			"last_error":         "",
		}
		if err := tx.Model(&Item{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		history := HistoryRecord{
			ItemID:         item.ID,
			FileName:       item.DisplayName,
			Origin:         item.Origin,
			FinalState:     StateCompleted,
			SizeBytes:      item.SizeBytes,
			DurationMs:     durationMs,
			TotalAttempts:  item.AttemptCount + 1,
			DestinationURL: destinationURL,
			RecordedAt:     now,
		}
		return tx.Create(&history).Error
	})
}

// IncrementAttempt records one failed delivery attempt. When attempts are
// exhausted or the error is classified non-retryable the item becomes
// terminally failed and a history row is written; otherwise it returns to
// pending with its next attempt gated by the backoff delay. Reports
// whether the failure was terminal.
func (q *Queue) IncrementAttempt(id uint, errText string) (bool, error) {
	terminal := false
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var item Item
		if err := tx.First(&item, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		attempts := item.AttemptCount + 1
		if attempts > item.MaxAttempts {
			attempts = item.MaxAttempts
		}
		now := time.Now().UTC()
		terminal = attempts >= item.MaxAttempts || !q.policy.ShouldRetry(attempts, errText)

		updates := map[string]any{
			"attempt_count":   attempts,
			"last_attempt_at": now,
			"last_error":      errText,
		}
		if terminal {
			updates["state"] = StateFailed
			updates["next_attempt_at"] = nil
		} else {
			updates["state"] = StatePending
			updates["next_attempt_at"] = now.Add(q.policy.DelayFor(attempts))
		}
		if err := tx.Model(&Item{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if terminal {
			history := HistoryRecord{
				ItemID:        item.ID,
				FileName:      item.DisplayName,
				Origin:        item.Origin,
				FinalState:    StateFailed,
				SizeBytes:     item.SizeBytes,
				TotalAttempts: attempts,
				FinalError:    errText,
				RecordedAt:    now,
			}
			return tx.Create(&history).Error
		}
		return nil
	})
	return terminal, err
}

// ResetFailed returns every failed item to pending with cleared attempt
// bookkeeping. Used for manual recovery after an operator fixes the cause.
func (q *Queue) ResetFailed() (int64, error) {
	res := q.db.Model(&Item{}).Where("state = ?", StateFailed).Updates(map[string]any{
		"state":           StatePending,
		"attempt_count":   0,
		"last_error":      "",
		"last_attempt_at": nil,
		"next_attempt_at": nil,
	})
	return res.RowsAffected, res.Error
}

// ArchiveCompletedOlderThan compacts completed items whose completion is
// at least the given number of days in the past.
func (q *Queue) ArchiveCompletedOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res := q.db.Model(&Item{}).
		Where("state = ? AND completed_at <= ?", StateCompleted, cutoff).
		Update("state", StateArchived)
	return res.RowsAffected, res.Error
}

// ReleaseStaleProcessing returns any item stuck in processing to pending.
// Called once at boot: this process owns the queue, so a processing row
// with no live delivery is an orphan from a crash mid-upload.
func (q *Queue) ReleaseStaleProcessing() (int64, error) {
	res := q.db.Model(&Item{}).Where("state = ?", StateProcessing).Updates(map[string]any{
		"state":           StatePending,
		"next_attempt_at": nil,
	})
	return res.RowsAffected, res.Error
}

// Counts summarizes the queue by state.
type Counts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Archived   int64 `json:"archived"`
}

func (q *Queue) CountByState() (Counts, error) {
	var rows []struct {
		State State
		N     int64
	}
	err := q.db.Model(&Item{}).Select("state, count(*) as n").Group("state").Scan(&rows).Error
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, r := range rows {
		switch r.State {
		case StatePending:
			c.Pending = r.N
		case StateProcessing:
			c.Processing = r.N
		case StateCompleted:
			c.Completed = r.N
		case StateFailed:
			c.Failed = r.N
		case StateArchived:
			c.Archived = r.N
		}
	}
	return c, nil
}

// History returns the most recent terminal audit rows, newest first.
func (q *Queue) History(limit int) ([]HistoryRecord, error) {
	var rows []HistoryRecord
	err := q.db.Order("recorded_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}
