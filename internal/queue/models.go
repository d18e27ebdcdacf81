package queue

import (
	"time"

	"github.com/your-org/datalift/internal/content"
)

// State is the delivery lifecycle position of a queue item.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateArchived   State = "archived"
)

// Origin identifies which ingestion source produced an item.
type Origin string

const (
	OriginFolder Origin = "folder"
	OriginAPI    Origin = "api"
)

// Legal state transitions. Failed->Pending is the administrative reset;
// Archived is reachable only from Completed.
var validTransitions = map[State][]State{
	StatePending:    {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed, StatePending},
	StateFailed:     {StatePending},
	StateCompleted:  {StateArchived},
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is one ingested object tracked through its delivery lifecycle.
type Item struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	SourcePath       string       `gorm:"size:1024;index" json:"source_path"`
	DisplayName      string       `gorm:"size:255" json:"display_name"`
	ContentType      content.Kind `gorm:"size:16" json:"content_type"`
	Origin           Origin       `gorm:"size:8;index" json:"origin"`
	SizeBytes        int64        `json:"size_bytes"`
	ContentHash      string       `gorm:"size:64;index" json:"content_hash"`
	State            State        `gorm:"size:16;index;default:pending" json:"state"`
	AttemptCount     int          `json:"attempt_count"`
	MaxAttempts      int          `json:"max_attempts"`
	LastError        string       `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt        time.Time    `gorm:"index" json:"created_at"`
	LastAttemptAt    *time.Time   `gorm:"index" json:"last_attempt_at,omitempty"`
	NextAttemptAt    *time.Time   `gorm:"index" json:"next_attempt_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	DestinationURL   string       `gorm:"size:2048" json:"destination_url,omitempty"`
	UploadDurationMs int64        `json:"upload_duration_ms,omitempty"`
}

func (Item) TableName() string { return "queue_items" }

// Terminal reports whether the item will see no further automatic attempts.
func (i *Item) Terminal() bool {
	switch i.State {
	case StateCompleted, StateArchived:
		return true
	case StateFailed:
		return i.AttemptCount >= i.MaxAttempts
	default:
		return false
	}
}

// ProgressRecord is the single live progress row for an item, overwritten
// in place on every progress callback.
type ProgressRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ItemID        uint      `gorm:"uniqueIndex" json:"item_id"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	TotalBytes    int64     `json:"total_bytes"`
	StatusMessage string    `gorm:"size:512" json:"status_message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ProgressRecord) TableName() string { return "progress_records" }

// HistoryRecord is the immutable audit row written once per terminal
// outcome, independent of the mutable queue row.
type HistoryRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ItemID         uint      `gorm:"index" json:"item_id"`
	FileName       string    `gorm:"size:255" json:"file_name"`
	Origin         Origin    `gorm:"size:8;index" json:"origin"`
	FinalState     State     `gorm:"size:16;index" json:"final_state"`
	SizeBytes      int64     `json:"size_bytes"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
	TotalAttempts  int       `json:"total_attempts"`
	FinalError     string    `gorm:"type:text" json:"final_error,omitempty"`
	DestinationURL string    `gorm:"size:2048" json:"destination_url,omitempty"`
	RecordedAt     time.Time `gorm:"index" json:"recorded_at"`
}

func (HistoryRecord) TableName() string { return "upload_history" }
