package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/your-org/datalift/internal/content"
	"github.com/your-org/datalift/internal/notify"
	"github.com/your-org/datalift/internal/processor"
	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/settings"
	"github.com/your-org/datalift/internal/sources"
	"github.com/your-org/datalift/pkg/storage/objectstore"
)

type fakeStore struct{ offline bool }

func (s *fakeStore) IsConnected(context.Context) bool { return !s.offline }

func (s *fakeStore) EnsureBucket(context.Context) error { return nil }

func (s *fakeStore) Upload(_ context.Context, req objectstore.UploadRequest) (*objectstore.UploadInfo, error) {
	n, err := io.Copy(io.Discard, req.Reader)
	if err != nil {
		return nil, err
	}
	return &objectstore.UploadInfo{
		URL:       "https://store.example.com/uploads/" + req.Key,
		BytesSent: n,
		Duration:  time.Millisecond,
	}, nil
}

func (s *fakeStore) Close() error { return nil }

type testAPI struct {
	handler  *HTTPHandler
	queue    *queue.Queue
	settings *settings.Store
	sources  *sources.Store
	proc     *processor.Processor
	dir      string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "api.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&queue.Item{}, &queue.ProgressRecord{}, &queue.HistoryRecord{},
		&sources.DataSource{}, &settings.Setting{},
	))

	a := &testAPI{
		queue:    queue.New(db, nil),
		settings: settings.NewStore(db),
		sources:  sources.NewStore(db),
		dir:      t.TempDir(),
	}
	a.proc = processor.New(processor.Params{
		Queue:    a.queue,
		Store:    &fakeStore{},
		Settings: a.settings,
		Notifier: notify.Nop{},
		Logger:   zap.NewNop(),
		Interval: 20 * time.Millisecond,
		Grace:    time.Millisecond,
		StopWait: time.Second,
	})
	t.Cleanup(a.proc.Stop)

	a.handler = NewHTTPHandler(Params{
		DB:        db,
		Queue:     a.queue,
		Processor: a.proc,
		Sources:   a.sources,
		Settings:  a.settings,
		Store:     &fakeStore{},
		Logger:    zap.NewNop(),
		BaseCtx:   context.Background(),
	})
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.handler.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(target))
}

func (a *testAPI) enqueueFile(t *testing.T, name, body string) *queue.Item {
	t.Helper()
	path := filepath.Join(a.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	item, created, err := a.queue.Enqueue(queue.EnqueueParams{
		SourcePath:  path,
		DisplayName: name,
		ContentType: content.Classify(name),
		Origin:      queue.OriginFolder,
		SizeBytes:   int64(len(body)),
		ContentHash: content.HashBytes([]byte(body)),
	})
	require.NoError(t, err)
	require.True(t, created)
	return item
}

func (a *testAPI) failItem(t *testing.T, id uint) {
	t.Helper()
	terminal, err := a.queue.IncrementAttempt(id, "access denied for container")
	require.NoError(t, err)
	require.True(t, terminal)
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["database"])
	assert.Equal(t, true, body["objectStore"])
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.enqueueFile(t, "one.json", `{"a": 1}`)

	rec := a.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st processor.Status
	decodeBody(t, rec, &st)
	assert.False(t, st.Running)
	assert.Equal(t, int64(1), st.Pending)
	assert.True(t, st.StoreConnected)
}

func TestQueueEndpoints(t *testing.T) {
	a := newTestAPI(t)
	pending := a.enqueueFile(t, "pending.json", `{"a": 1}`)
	failed := a.enqueueFile(t, "failed.json", `{"b": 2}`)
	a.failItem(t, failed.ID)

	rec := a.do(t, http.MethodGet, "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts queue.Counts
	decodeBody(t, rec, &counts)
	assert.Equal(t, int64(1), counts.Pending)
	assert.Equal(t, int64(1), counts.Failed)

	rec = a.do(t, http.MethodGet, "/api/v1/queue/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listBody struct {
		Items []queue.Item `json:"items"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &listBody)
	require.Equal(t, 1, listBody.Count)
	assert.Equal(t, pending.ID, listBody.Items[0].ID)

	rec = a.do(t, http.MethodGet, "/api/v1/queue/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listBody)
	require.Equal(t, 1, listBody.Count)
	assert.Equal(t, failed.ID, listBody.Items[0].ID)

	rec = a.do(t, http.MethodGet, "/api/v1/queue/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Item queue.Item `json:"item"`
	}
	decodeBody(t, rec, &detail)
	assert.Equal(t, uint(1), detail.Item.ID)

	rec = a.do(t, http.MethodGet, "/api/v1/queue/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/queue/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryFailedEndpoint(t *testing.T) {
	a := newTestAPI(t)
	item := a.enqueueFile(t, "broken.json", `{"x": 1}`)
	a.failItem(t, item.ID)

	rec := a.do(t, http.MethodPost, "/api/v1/queue/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int64
	decodeBody(t, rec, &body)
	assert.Equal(t, int64(1), body["reset"])

	got, err := a.queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, got.State)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestHistoryEndpoint(t *testing.T) {
	a := newTestAPI(t)
	item := a.enqueueFile(t, "done.json", `{"x": 1}`)
	require.NoError(t, a.queue.Transition(item.ID, queue.StateProcessing, ""))
	require.NoError(t, a.queue.CompleteSuccess(item.ID, "https://store.example.com/u/done.json", 12))

	rec := a.do(t, http.MethodGet, "/api/v1/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		History []queue.HistoryRecord `json:"history"`
		Count   int                   `json:"count"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, queue.StateCompleted, body.History[0].FinalState)
}

func TestSourceCRUD(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
		"name":    "invoices",
		"type":    "folder",
		"path":    "/var/data/invoices",
		"enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created sources.DataSource
	decodeBody(t, rec, &created)
	require.NotZero(t, created.ID)

	// Missing path for a folder source is rejected.
	rec = a.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
		"name": "bad",
		"type": "folder",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Names are unique.
	rec = a.do(t, http.MethodPost, "/api/v1/sources", map[string]any{
		"name": "invoices",
		"type": "folder",
		"path": "/elsewhere",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listBody struct {
		Sources []sources.DataSource `json:"sources"`
		Count   int                  `json:"count"`
	}
	decodeBody(t, rec, &listBody)
	assert.Equal(t, 1, listBody.Count)

	rec = a.do(t, http.MethodPut, "/api/v1/sources/1", map[string]any{
		"name":    "invoices",
		"type":    "folder",
		"path":    "/var/data/new-invoices",
		"enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := a.sources.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "/var/data/new-invoices", got.Path)

	rec = a.do(t, http.MethodPost, "/api/v1/sources/1/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = a.sources.Get(created.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	rec = a.do(t, http.MethodPost, "/api/v1/sources/1/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = a.sources.Get(created.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	rec = a.do(t, http.MethodDelete, "/api/v1/sources/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/sources/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPut, "/api/v1/settings", map[string]string{
		settings.KeyProcessorMaxConcurrent: "7",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]string
	decodeBody(t, rec, &all)
	assert.Equal(t, "7", all[settings.KeyProcessorMaxConcurrent])

	assert.Equal(t, 7, a.settings.Int(settings.KeyProcessorMaxConcurrent, 1))
}

func TestProcessorEndpoints(t *testing.T) {
	a := newTestAPI(t)
	item := a.enqueueFile(t, "flow.json", `{"x": 1}`)

	rec := a.do(t, http.MethodPost, "/api/v1/processor/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.proc.Running())

	require.Eventually(t, func() bool {
		got, err := a.queue.Get(item.ID)
		return err == nil && got.State == queue.StateCompleted
	}, 3*time.Second, 20*time.Millisecond)

	rec = a.do(t, http.MethodPost, "/api/v1/processor/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.proc.Paused())

	rec = a.do(t, http.MethodPost, "/api/v1/processor/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, a.proc.Paused())

	rec = a.do(t, http.MethodPost, "/api/v1/processor/process-now", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/processor/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, a.proc.Running())
}
