// Package watcher ingests files dropped into a watched folder. Each file
// is settled, classified, validated, hashed, and enqueued for upload.
// Duplicates and invalid files are moved into outcome subdirectories next
// to the source so operators can inspect them.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/your-org/datalift/internal/content"
	"github.com/your-org/datalift/internal/fsutil"
	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/sources"
)

const (
	DefaultDebounce      = 2 * time.Second
	DefaultSettlePoll    = 500 * time.Millisecond
	DefaultSettleTimeout = 10 * time.Second
)

// Params configures a folder watcher.
type Params struct {
	Source sources.DataSource
	Queue  *queue.Queue
	Status sources.StatusRecorder
	Logger *zap.Logger

	Debounce      time.Duration
	SettlePoll    time.Duration
	SettleTimeout time.Duration

	// MaxFileSize rejects oversized files at ingestion. Zero means no
	// limit.
	MaxFileSize int64
}

// Watcher tails one folder with fsnotify. Files already present at start
// are picked up by a backlog scan that runs after the watch is
// registered, so nothing slips between the two.
type Watcher struct {
	source sources.DataSource
	queue  *queue.Queue
	status sources.StatusRecorder
	logger *zap.Logger

	debounce      time.Duration
	settlePoll    time.Duration
	settleTimeout time.Duration
	maxFileSize   int64

	mu      sync.Mutex
	started bool
	fw      *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	timers  map[string]*time.Timer
	handles sync.WaitGroup
}

var _ sources.Runner = (*Watcher)(nil)

func New(p Params) *Watcher {
	if p.Debounce <= 0 {
		p.Debounce = DefaultDebounce
	}
	if p.SettlePoll <= 0 {
		p.SettlePoll = DefaultSettlePoll
	}
	if p.SettleTimeout <= 0 {
		p.SettleTimeout = DefaultSettleTimeout
	}
	return &Watcher{
		source:        p.Source,
		queue:         p.Queue,
		status:        p.Status,
		logger:        p.Logger.With(zap.String("source", p.Source.Name)),
		debounce:      p.Debounce,
		settlePoll:    p.SettlePoll,
		settleTimeout: p.SettleTimeout,
		maxFileSize:   p.MaxFileSize,
		timers:        make(map[string]*time.Timer),
	}
}

// Start registers the fsnotify watch and launches the event loop and the
// backlog scan. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if w.source.Pattern != "" {
		if _, err := filepath.Match(w.source.Pattern, "probe"); err != nil {
			return fmt.Errorf("file pattern %q: %w", w.source.Pattern, err)
		}
	}

	if w.source.AutoCreate {
		if err := os.MkdirAll(w.source.Path, 0o755); err != nil {
			return fmt.Errorf("create watch path %s: %w", w.source.Path, err)
		}
	}
	info, err := os.Stat(w.source.Path)
	if err != nil {
		return fmt.Errorf("watch path %s: %w", w.source.Path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", w.source.Path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.source.Path); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.source.Path, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fw = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true

	go w.run(runCtx)
	go w.scanBacklog(runCtx)

	w.logger.Info("folder watcher started", zap.String("path", w.source.Path))
	return nil
}

// Stop cancels the loops, drops pending debounce timers, and waits for
// in-flight file handling to finish. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	fw := w.fw
	done := w.done
	for path, timer := range w.timers {
		if timer.Stop() {
			w.handles.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	cancel()
	fw.Close()
	<-done
	w.handles.Wait()
	w.logger.Info("folder watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
				w.scheduleHandle(ctx, event.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
			w.status.RecordError(w.source.ID, err)
		}
	}
}

func (w *Watcher) scanBacklog(ctx context.Context) {
	entries, err := os.ReadDir(w.source.Path)
	if err != nil {
		w.logger.Error("scan watch folder", zap.Error(err))
		w.status.RecordError(w.source.ID, err)
		return
	}
	scheduled := 0
	for _, entry := range entries {
		if entry.IsDir() || ignorable(entry.Name()) || !w.matchesPattern(entry.Name()) {
			continue
		}
		w.scheduleHandle(ctx, filepath.Join(w.source.Path, entry.Name()))
		scheduled++
	}
	if scheduled > 0 {
		w.logger.Info("backlog scan scheduled existing files", zap.Int("count", scheduled))
	}
}

func ignorable(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".swp":
		return true
	}
	return false
}

// matchesPattern applies the source's glob to a file name. An empty
// pattern accepts everything. The pattern is validated at Start, so a
// match error here cannot occur.
func (w *Watcher) matchesPattern(name string) bool {
	if w.source.Pattern == "" {
		return true
	}
	ok, err := filepath.Match(w.source.Pattern, name)
	return err == nil && ok
}

// scheduleHandle debounces bursts of events for the same path: handling
// runs only after the path has been quiet for the debounce window.
func (w *Watcher) scheduleHandle(ctx context.Context, path string) {
	name := filepath.Base(path)
	if ignorable(name) || !w.matchesPattern(name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.handles.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.handles.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.handleFile(ctx, path)
	})
}

func (w *Watcher) handleFile(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat candidate file", zap.String("file", path), zap.Error(err))
		}
		return
	}
	if info.IsDir() {
		return
	}

	if err := w.waitSettled(ctx, path); err != nil {
		return
	}
	info, err = os.Stat(path)
	if err != nil {
		return
	}

	name := filepath.Base(path)
	if w.maxFileSize > 0 && info.Size() > w.maxFileSize {
		dest, mvErr := fsutil.MoveAside(path, fsutil.FailedDir)
		if mvErr != nil {
			w.logger.Error("quarantine oversized file", zap.String("file", path), zap.Error(mvErr))
			return
		}
		w.logger.Warn("file exceeds size limit, quarantined",
			zap.String("file", name),
			zap.Int64("size_bytes", info.Size()),
			zap.String("moved_to", dest))
		return
	}

	kind := content.Classify(name)

	var data []byte
	if kind == content.KindStructured {
		data, err = os.ReadFile(path)
		if err != nil {
			w.quarantineFailed(path, name, fmt.Errorf("read file: %w", err))
			return
		}
	}
	if !content.Validate(name, kind, data) {
		dest, mvErr := fsutil.MoveAside(path, fsutil.FailedDir)
		if mvErr != nil {
			w.logger.Error("quarantine invalid file", zap.String("file", path), zap.Error(mvErr))
			return
		}
		w.logger.Warn("content validation failed, file quarantined",
			zap.String("file", name),
			zap.String("moved_to", dest))
		return
	}

	hash, size, err := content.HashFile(path)
	if err != nil {
		w.quarantineFailed(path, name, fmt.Errorf("hash file: %w", err))
		return
	}

	existing, err := w.queue.FindByHash(hash)
	if err != nil {
		w.quarantineFailed(path, name, fmt.Errorf("duplicate lookup: %w", err))
		return
	}
	if existing != nil {
		w.quarantineDuplicate(path, name, existing.ID)
		w.status.RecordSuccess(w.source.ID)
		return
	}

	item, created, err := w.queue.Enqueue(queue.EnqueueParams{
		SourcePath:  path,
		DisplayName: name,
		ContentType: kind,
		Origin:      queue.OriginFolder,
		SizeBytes:   size,
		ContentHash: hash,
	})
	if err != nil {
		w.quarantineFailed(path, name, fmt.Errorf("enqueue file: %w", err))
		return
	}
	if !created {
		w.quarantineDuplicate(path, name, item.ID)
		w.status.RecordSuccess(w.source.ID)
		return
	}

	w.logger.Info("file queued for upload",
		zap.Uint("item_id", item.ID),
		zap.String("file", name),
		zap.Int64("size_bytes", size),
		zap.String("hash", hash))
	w.status.RecordSuccess(w.source.ID)
}

func (w *Watcher) quarantineDuplicate(path, name string, existingID uint) {
	dest, err := fsutil.MoveAside(path, fsutil.DuplicateDir)
	if err != nil {
		w.logger.Error("quarantine duplicate file", zap.String("file", path), zap.Error(err))
		return
	}
	w.logger.Info("duplicate content skipped",
		zap.String("file", name),
		zap.Uint("existing_item_id", existingID),
		zap.String("moved_to", dest))
}

// quarantineFailed moves a file that errored mid-processing out of the
// watched folder so it cannot be reprocessed forever, and reports the
// error against the source.
func (w *Watcher) quarantineFailed(path, name string, cause error) {
	w.status.RecordError(w.source.ID, cause)
	dest, err := fsutil.MoveAside(path, fsutil.FailedDir)
	if err != nil {
		w.logger.Error("quarantine failed file",
			zap.String("file", path), zap.Error(err),
			zap.NamedError("cause", cause))
		return
	}
	w.logger.Warn("file processing failed, file quarantined",
		zap.String("file", name),
		zap.String("moved_to", dest),
		zap.Error(cause))
}

// waitSettled polls size and mtime until two consecutive observations
// match, giving a slow writer time to finish. After the timeout the file
// is processed anyway: a truncated read surfaces as a failed upload and a
// retry, not a lost file.
func (w *Watcher) waitSettled(ctx context.Context, path string) error {
	deadline := time.Now().Add(w.settleTimeout)
	var lastSize int64 = -1
	var lastMod time.Time
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize && info.ModTime().Equal(lastMod) {
			return nil
		}
		lastSize = info.Size()
		lastMod = info.ModTime()
		if time.Now().After(deadline) {
			w.logger.Warn("file still changing after settle timeout, proceeding",
				zap.String("file", path))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.settlePoll):
		}
	}
}
