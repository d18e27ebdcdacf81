// Package sources manages the configured ingestion origins: watched
// folders and polled HTTP APIs. Each enabled source is materialized into a
// running worker by the coordinator.
package sources

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type discriminates source kinds.
type Type string

const (
	TypeFolder Type = "folder"
	TypeAPI    Type = "api"
)

// HeaderMap stores HTTP headers as a JSON text column.
type HeaderMap map[string]string

func (h HeaderMap) Value() (driver.Value, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *HeaderMap) Scan(value any) error {
	return scanJSONColumn(value, h)
}

// FieldList stores an ordered list of record field names as JSON text.
type FieldList []string

func (f FieldList) Value() (driver.Value, error) {
	if len(f) == 0 {
		return "", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *FieldList) Scan(value any) error {
	return scanJSONColumn(value, f)
}

func scanJSONColumn(value, target any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), target)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, target)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
}

// DataSource is one configured ingestion origin. Folder sources use Path,
// Pattern and AutoCreate; API sources use Endpoint, Headers,
// IntervalSeconds, ResponsePath and IDFields.
type DataSource struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Name    string `gorm:"size:128;uniqueIndex" json:"name"`
	Type    Type   `gorm:"size:16;index" json:"type"`
	Enabled bool   `gorm:"index" json:"enabled"`

	Path       string `gorm:"size:1024" json:"path,omitempty"`
	Pattern    string `gorm:"size:256" json:"pattern,omitempty"`
	AutoCreate bool   `json:"autoCreate,omitempty"`

	Endpoint        string    `gorm:"size:2048" json:"endpoint,omitempty"`
	Headers         HeaderMap `gorm:"type:text" json:"headers,omitempty"`
	IntervalSeconds int       `json:"intervalSeconds,omitempty"`
	ResponsePath    string    `gorm:"size:256" json:"responsePath,omitempty"`
	IDFields        FieldList `gorm:"type:text" json:"idFields,omitempty"`

	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastError           string     `gorm:"type:text" json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (DataSource) TableName() string { return "data_sources" }

// Validate checks the fields required for the source's type.
func (s *DataSource) Validate() error {
	if s.Name == "" {
		return errors.New("source name is required")
	}
	switch s.Type {
	case TypeFolder:
		if s.Path == "" {
			return fmt.Errorf("folder source %s needs a path", s.Name)
		}
	case TypeAPI:
		if s.Endpoint == "" {
			return fmt.Errorf("api source %s needs an endpoint", s.Name)
		}
	default:
		return fmt.Errorf("source %s has unknown type %q", s.Name, s.Type)
	}
	return nil
}

// Fingerprint condenses the fields that shape a running worker. The
// coordinator restarts a worker when its source's fingerprint changes.
func (s *DataSource) Fingerprint() string {
	headers := make([]string, 0, len(s.Headers))
	for k, v := range s.Headers {
		headers = append(headers, k+"="+v)
	}
	sort.Strings(headers)

	return fmt.Sprintf("%s|%s|%s|%s|%t|%s|%d|%s|%s|%s",
		s.Name, s.Type, s.Path, s.Pattern, s.AutoCreate, s.Endpoint,
		s.IntervalSeconds, s.ResponsePath, strings.Join(s.IDFields, ","),
		strings.Join(headers, ";"))
}
