package processor

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of the processor for the management
// API.
type Status struct {
	Running         bool       `json:"running"`
	Paused          bool       `json:"paused"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	InFlight        int        `json:"inFlight"`
	MaxConcurrent   int        `json:"maxConcurrent"`
	IntervalSeconds int        `json:"intervalSeconds"`
	StoreConnected  bool       `json:"storeConnected"`
	LastCycleAt     *time.Time `json:"lastCycleAt,omitempty"`

	Pending            int64   `json:"pending"`
	Failed             int64   `json:"failed"`
	CompletedCount     int64   `json:"completedCount"`
	BytesUploaded      int64   `json:"bytesUploaded"`
	ThroughputMBPerMin float64 `json:"throughputMbPerMin"`

	ActiveUploads []ActiveUpload `json:"activeUploads"`
	RecentErrors  []ErrorRecord  `json:"recentErrors"`
}

// ActiveUpload tracks one in-flight delivery for live progress reporting.
type ActiveUpload struct {
	ItemID        uint      `json:"itemId"`
	FileName      string    `json:"fileName"`
	BytesUploaded int64     `json:"bytesUploaded"`
	TotalBytes    int64     `json:"totalBytes"`
	StartedAt     time.Time `json:"startedAt"`
}

// ErrorRecord is one failed delivery attempt kept in memory so operators
// get a live error tail without querying history.
type ErrorRecord struct {
	ItemID   uint      `json:"itemId"`
	FileName string    `json:"fileName"`
	Error    string    `json:"error"`
	Terminal bool      `json:"terminal"`
	At       time.Time `json:"at"`
}

// errorRing is a fixed-capacity ring of the most recent delivery errors.
type errorRing struct {
	mu   sync.Mutex
	buf  []ErrorRecord
	next int
	full bool
}

func newErrorRing(capacity int) *errorRing {
	return &errorRing{buf: make([]ErrorRecord, capacity)}
}

func (r *errorRing) add(rec ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the stored records newest-first.
func (r *errorRing) snapshot() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	out := make([]ErrorRecord, 0, size)
	for i := 1; i <= size; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
