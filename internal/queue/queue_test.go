package queue

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/your-org/datalift/internal/content"
	"github.com/your-org/datalift/internal/retry"
)

func testQueue(t *testing.T, policy *retry.Policy) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Item{}, &ProgressRecord{}, &HistoryRecord{}))
	return New(db, policy)
}

func enqueue(t *testing.T, q *Queue, hash string) *Item {
	t.Helper()
	item, created, err := q.Enqueue(EnqueueParams{
		SourcePath:  "/data/in/" + hash + ".json",
		DisplayName: hash + ".json",
		ContentType: content.KindStructured,
		Origin:      OriginFolder,
		SizeBytes:   128,
		ContentHash: hash,
	})
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func TestEnqueueDeduplicatesByHash(t *testing.T) {
	q := testQueue(t, nil)

	first := enqueue(t, q, "aaa111")

	dup, created, err := q.Enqueue(EnqueueParams{
		SourcePath:  "/data/in/copy-of-file.json",
		DisplayName: "copy-of-file.json",
		ContentType: content.KindStructured,
		Origin:      OriginAPI,
		SizeBytes:   128,
		ContentHash: "aaa111",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	pending, err := q.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueueDistinctHashes(t *testing.T) {
	q := testQueue(t, nil)

	enqueue(t, q, "aaa111")
	enqueue(t, q, "bbb222")

	pending, err := q.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestTransitionLegality(t *testing.T) {
	q := testQueue(t, nil)
	item := enqueue(t, q, "ccc333")

	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))

	// An in-flight item may be released back to pending.
	require.NoError(t, q.Transition(item.ID, StatePending, ""))
	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
	require.NoError(t, q.Transition(item.ID, StateCompleted, ""))

	err := q.Transition(item.ID, StatePending, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	err = q.Transition(item.ID, StateProcessing, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, q.Transition(item.ID, StateArchived, ""))

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, got.State)
}

func TestTransitionPendingToCompletedIsIllegal(t *testing.T) {
	q := testQueue(t, nil)
	item := enqueue(t, q, "ddd444")

	err := q.Transition(item.ID, StateCompleted, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestIncrementAttemptRetryableBacksOff(t *testing.T) {
	policy := retry.New(10*time.Second, time.Minute, 3)
	q := testQueue(t, policy)
	item := enqueue(t, q, "eee555")

	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))

	before := time.Now().UTC()
	terminal, err := q.IncrementAttempt(item.ID, "connection reset by peer")
	require.NoError(t, err)
	assert.False(t, terminal)

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "connection reset by peer", got.LastError)
	require.NotNil(t, got.NextAttemptAt)
	assert.WithinDuration(t, before.Add(10*time.Second), *got.NextAttemptAt, 2*time.Second)
	require.NotNil(t, got.LastAttemptAt)

	// Not claimable until the backoff window elapses.
	ready, err := q.ListReady(before, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = q.ListReady(before.Add(11*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, item.ID, ready[0].ID)
}

func TestIncrementAttemptExhaustionIsTerminal(t *testing.T) {
	policy := retry.New(time.Second, time.Minute, 3)
	q := testQueue(t, policy)
	item := enqueue(t, q, "fff666")

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
		terminal, err := q.IncrementAttempt(item.ID, "connection timed out")
		require.NoError(t, err)
		assert.Equal(t, i == 3, terminal, "attempt %d", i)
	}

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptCount)

	history, err := q.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, item.ID, history[0].ItemID)
	assert.Equal(t, StateFailed, history[0].FinalState)
	assert.Equal(t, 3, history[0].TotalAttempts)
	assert.Equal(t, "connection timed out", history[0].FinalError)
}

func TestIncrementAttemptNonRetryableFailsFast(t *testing.T) {
	policy := retry.New(time.Second, time.Minute, 5)
	q := testQueue(t, policy)
	item := enqueue(t, q, "abc123")

	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
	terminal, err := q.IncrementAttempt(item.ID, "file not found: /data/in/abc123.json")
	require.NoError(t, err)
	assert.True(t, terminal)

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 1, got.AttemptCount)

	history, err := q.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].TotalAttempts)
}

func TestCompleteSuccessRecordsHistory(t *testing.T) {
	q := testQueue(t, nil)
	item := enqueue(t, q, "0a0b0c")

	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
	require.NoError(t, q.CompleteSuccess(item.ID, "https://store.example.com/uploads/0a0b0c", 2500))

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "https://store.example.com/uploads/0a0b0c", got.DestinationURL)
	assert.Equal(t, int64(2500), got.UploadDurationMs)
	require.NotNil(t, got.CompletedAt)

	history, err := q.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StateCompleted, history[0].FinalState)
	assert.Equal(t, 1, history[0].TotalAttempts)
	assert.Equal(t, int64(2500), history[0].DurationMs)
}

func TestCompleteSuccessCountsEarlierFailures(t *testing.T) {
	policy := retry.New(time.Second, time.Minute, 5)
	q := testQueue(t, policy)
	item := enqueue(t, q, "1a1b1c")

	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
	_, err := q.IncrementAttempt(item.ID, "connection reset by peer")
	require.NoError(t, err)

	require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
	require.NoError(t, q.CompleteSuccess(item.ID, "https://store.example.com/uploads/1a1b1c", 900))

	got, err := q.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.LastError)

	history, err := q.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].TotalAttempts)
}

func TestResetFailedClearsBookkeeping(t *testing.T) {
	policy := retry.New(time.Second, time.Minute, 1)
	q := testQueue(t, policy)

	for i := 0; i < 3; i++ {
		item := enqueue(t, q, fmt.Sprintf("hash-%d", i))
		require.NoError(t, q.Transition(item.ID, StateProcessing, ""))
		terminal, err := q.IncrementAttempt(item.ID, "connection timed out")
		require.NoError(t, err)
		require.True(t, terminal)
	}
	survivor := enqueue(t, q, "hash-ok")
	require.NoError(t, q.Transition(survivor.ID, StateProcessing, ""))
	require.NoError(t, q.CompleteSuccess(survivor.ID, "https://store.example.com/ok", 100))

	n, err := q.ResetFailed()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	pending, err := q.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, it := range pending {
		assert.Equal(t, 0, it.AttemptCount)
		assert.Equal(t, "", it.LastError)
		assert.Nil(t, it.NextAttemptAt)
		assert.Nil(t, it.LastAttemptAt)
	}

	got, err := q.Get(survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestRecordProgressUpserts(t *testing.T) {
	q := testQueue(t, nil)
	item := enqueue(t, q, "2a2b2c")

	require.NoError(t, q.RecordProgress(item.ID, 64, 256, "uploading"))
	require.NoError(t, q.RecordProgress(item.ID, 256, 256, "done"))

	rec, err := q.Progress(item.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(256), rec.BytesUploaded)
	assert.Equal(t, "done", rec.StatusMessage)

	var count int64
	require.NoError(t, q.db.Model(&ProgressRecord{}).Where("item_id = ?", item.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListReadyOrdersOldestFirst(t *testing.T) {
	q := testQueue(t, nil)

	a := enqueue(t, q, "order-a")
	b := enqueue(t, q, "order-b")
	c := enqueue(t, q, "order-c")

	ready, err := q.ListReady(time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, []uint{a.ID, b.ID, c.ID}, []uint{ready[0].ID, ready[1].ID, ready[2].ID})

	limited, err := q.ListReady(time.Now().UTC(), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReleaseStaleProcessing(t *testing.T) {
	q := testQueue(t, nil)

	a := enqueue(t, q, "stale-a")
	b := enqueue(t, q, "stale-b")
	enqueue(t, q, "fresh-c")
	require.NoError(t, q.Transition(a.ID, StateProcessing, ""))
	require.NoError(t, q.Transition(b.ID, StateProcessing, ""))

	n, err := q.ReleaseStaleProcessing()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := q.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestArchiveCompletedOlderThan(t *testing.T) {
	q := testQueue(t, nil)

	old := enqueue(t, q, "old-1")
	require.NoError(t, q.Transition(old.ID, StateProcessing, ""))
	require.NoError(t, q.CompleteSuccess(old.ID, "https://store.example.com/old-1", 10))
	stale := time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, q.db.Model(&Item{}).Where("id = ?", old.ID).Update("completed_at", stale).Error)

	recent := enqueue(t, q, "new-1")
	require.NoError(t, q.Transition(recent.ID, StateProcessing, ""))
	require.NoError(t, q.CompleteSuccess(recent.ID, "https://store.example.com/new-1", 10))

	n, err := q.ArchiveCompletedOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Get(old.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, got.State)
	got, err = q.Get(recent.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestCountByState(t *testing.T) {
	policy := retry.New(time.Second, time.Minute, 1)
	q := testQueue(t, policy)

	enqueue(t, q, "count-a")
	b := enqueue(t, q, "count-b")
	require.NoError(t, q.Transition(b.ID, StateProcessing, ""))
	c := enqueue(t, q, "count-c")
	require.NoError(t, q.Transition(c.ID, StateProcessing, ""))
	terminal, err := q.IncrementAttempt(c.ID, "access denied")
	require.NoError(t, err)
	require.True(t, terminal)

	counts, err := q.CountByState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
	assert.Equal(t, int64(1), counts.Processing)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Completed)
}

func TestGetMissingItem(t *testing.T) {
	q := testQueue(t, nil)

	_, err := q.Get(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}
