// Package processor drains the upload queue: it claims ready items,
// streams them to the object store with bounded concurrency, and settles
// each outcome back into the queue with progress and lifecycle events
// along the way.
package processor

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/datalift/internal/fsutil"
	"github.com/your-org/datalift/internal/notify"
	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/schedule"
	"github.com/your-org/datalift/internal/settings"
	"github.com/your-org/datalift/pkg/storage/objectstore"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultGrace         = 5 * time.Second
	DefaultMaxConcurrent = 3
	DefaultStopWait      = 30 * time.Second

	stopPollInterval = time.Second
	errorRingSize    = 50
	progressMinStep  = 64 * 1024
)

// Params configures the processor.
type Params struct {
	Queue    *queue.Queue
	Store    objectstore.Client
	Settings *settings.Store
	Notifier notify.Notifier
	Logger   *zap.Logger

	Interval time.Duration
	Grace    time.Duration
	StopWait time.Duration
}

// Processor runs the drain loop. Deliveries are launched asynchronously;
// the only concurrency gate is the in-flight count against the
// max-concurrent setting, which is re-read every cycle so operators can
// retune a running service.
type Processor struct {
	queue    *queue.Queue
	store    objectstore.Client
	settings *settings.Store
	notifier notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer

	interval time.Duration
	stopWait time.Duration
	loop     *schedule.Periodic
	errors   *errorRing

	mu             sync.Mutex
	running        bool
	paused         bool
	startedAt      *time.Time
	lastCycleAt    *time.Time
	startCtx       context.Context
	inflight       map[uint]*ActiveUpload
	completedCount int64
	completedBytes int64

	wg sync.WaitGroup
}

func New(p Params) *Processor {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Grace <= 0 {
		p.Grace = DefaultGrace
	}
	if p.StopWait <= 0 {
		p.StopWait = DefaultStopWait
	}
	proc := &Processor{
		queue:    p.Queue,
		store:    p.Store,
		settings: p.Settings,
		notifier: p.Notifier,
		logger:   p.Logger,
		tracer:   otel.Tracer("datalift/processor"),
		interval: p.Interval,
		stopWait: p.StopWait,
		errors:   newErrorRing(errorRingSize),
		inflight: make(map[uint]*ActiveUpload),
	}
	proc.loop = schedule.NewPeriodic("processor.drain", p.Interval, p.Grace, proc.drain, p.Logger)
	return proc
}

// Start launches the drain loop. No-op when already running.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	p.running = true
	p.paused = false
	p.startedAt = &now
	p.startCtx = ctx
	p.mu.Unlock()

	p.loop.Start(ctx)
	p.publishStatus("running")
	p.logger.Info("processor started", zap.Duration("interval", p.interval))
}

// Stop disarms the drain loop and waits up to the stop-wait window for
// in-flight uploads to finish, polling once a second. Uploads still
// running after that are abandoned, not cancelled; they settle their
// queue rows on their own time.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.loop.Stop()

	deadline := time.Now().Add(p.stopWait)
	for p.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(stopPollInterval)
	}
	if n := p.InFlight(); n > 0 {
		p.logger.Warn("stop wait elapsed with uploads still in flight",
			zap.Int("in_flight", n))
	}

	p.publishStatus("stopped")
	p.logger.Info("processor stopped")
}

// Pause keeps the drain loop ticking but prevents new claims. In-flight
// deliveries are unaffected.
func (p *Processor) Pause() {
	p.mu.Lock()
	already := p.paused
	p.paused = true
	p.mu.Unlock()
	if already {
		return
	}
	p.publishStatus("paused")
	p.logger.Info("processor paused")
}

// Resume lifts a pause.
func (p *Processor) Resume() {
	p.mu.Lock()
	already := !p.paused
	p.paused = false
	p.mu.Unlock()
	if already {
		return
	}
	p.publishStatus("resumed")
	p.logger.Info("processor resumed")
}

// ProcessNow runs one drain cycle immediately, outside the schedule. The
// cycle still honors the running/paused gates and the concurrency bound.
func (p *Processor) ProcessNow() {
	p.drain(context.Background())
}

// Running reports whether the drain loop is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Paused reports whether claims are currently gated.
func (p *Processor) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// InFlight reports the number of uploads currently streaming.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// RecentErrors returns the latest delivery errors, newest first.
func (p *Processor) RecentErrors() []ErrorRecord {
	return p.errors.snapshot()
}

// Status snapshots the processor for the management API. Queue counts are
// best effort; a store error leaves them at zero.
func (p *Processor) Status(ctx context.Context) Status {
	p.mu.Lock()
	st := Status{
		Running:         p.running,
		Paused:          p.paused,
		StartedAt:       p.startedAt,
		InFlight:        len(p.inflight),
		IntervalSeconds: int(p.interval.Seconds()),
		LastCycleAt:     p.lastCycleAt,
		CompletedCount:  p.completedCount,
		BytesUploaded:   p.completedBytes,
		ActiveUploads:   make([]ActiveUpload, 0, len(p.inflight)),
	}
	for _, a := range p.inflight {
		st.ActiveUploads = append(st.ActiveUploads, *a)
	}
	startedAt := p.startedAt
	p.mu.Unlock()

	st.MaxConcurrent = p.maxConcurrent()
	st.StoreConnected = p.store.IsConnected(ctx)
	st.RecentErrors = p.errors.snapshot()

	if startedAt != nil {
		if mins := time.Since(*startedAt).Minutes(); mins > 0 {
			st.ThroughputMBPerMin = float64(st.BytesUploaded) / (1024 * 1024) / mins
		}
	}

	counts, err := p.queue.CountByState()
	if err != nil {
		p.logger.Warn("count queue states", zap.Error(err))
		return st
	}
	st.Pending = counts.Pending
	st.Failed = counts.Failed
	return st
}

func (p *Processor) maxConcurrent() int {
	n := p.settings.Int(settings.KeyProcessorMaxConcurrent, DefaultMaxConcurrent)
	if n < 1 {
		n = 1
	}
	return n
}

// drain runs one cycle: claim as many ready items as free slots allow and
// launch their deliveries. Deliveries run on the start context, not the
// cycle's, so a stopped loop never aborts a transfer midway.
func (p *Processor) drain(ctx context.Context) {
	now := time.Now().UTC()
	p.mu.Lock()
	p.lastCycleAt = &now
	running := p.running
	paused := p.paused
	deliverCtx := p.startCtx
	p.mu.Unlock()

	if !running || paused {
		return
	}
	if deliverCtx == nil {
		deliverCtx = context.Background()
	}

	if !p.store.IsConnected(ctx) {
		p.logger.Warn("object store unreachable, skipping drain cycle")
		return
	}

	free := p.maxConcurrent() - p.InFlight()
	if free <= 0 {
		return
	}

	ready, err := p.queue.ListReady(now, free)
	if err != nil {
		p.logger.Error("list ready items", zap.Error(err))
		return
	}

	for _, item := range ready {
		item := item
		if !p.claim(item) {
			continue
		}
		if err := p.queue.Transition(item.ID, queue.StateProcessing, ""); err != nil {
			p.release(item.ID)
			if !errors.Is(err, queue.ErrIllegalTransition) {
				p.logger.Error("claim item", zap.Uint("item_id", item.ID), zap.Error(err))
			}
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.release(item.ID)
			p.deliver(deliverCtx, item)
		}()
	}
}

func (p *Processor) claim(item queue.Item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[item.ID]; ok {
		return false
	}
	p.inflight[item.ID] = &ActiveUpload{
		ItemID:     item.ID,
		FileName:   item.DisplayName,
		TotalBytes: item.SizeBytes,
		StartedAt:  time.Now().UTC(),
	}
	return true
}

func (p *Processor) release(id uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *Processor) updateActive(id uint, sent, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.inflight[id]; ok {
		a.BytesUploaded = sent
		a.TotalBytes = total
	}
}

func (p *Processor) deliver(ctx context.Context, item queue.Item) {
	ctx, span := p.tracer.Start(ctx, "uploader.deliver", trace.WithAttributes(
		attribute.Int64("item.id", int64(item.ID)),
		attribute.String("item.file", item.DisplayName),
		attribute.String("item.origin", string(item.Origin)),
	))
	defer span.End()

	log := p.logger.With(zap.Uint("item_id", item.ID), zap.String("file", item.DisplayName))

	f, err := os.Open(item.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("file not found: %s", item.SourcePath)
		}
		p.failAttempt(ctx, span, item, err, log)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		p.failAttempt(ctx, span, item, err, log)
		return
	}
	size := info.Size()
	p.updateActive(item.ID, 0, size)

	result, err := p.store.Upload(ctx, objectstore.UploadRequest{
		Key:         destinationKey(item),
		Reader:      f,
		Size:        size,
		ContentType: contentTypeFor(item.DisplayName),
		Metadata: map[string]string{
			"origin":        string(item.Origin),
			"content-hash":  item.ContentHash,
			"original-name": item.DisplayName,
		},
		Progress: p.progressSink(ctx, item, size),
	})
	if err != nil {
		p.failAttempt(ctx, span, item, err, log)
		return
	}

	p.completeDelivery(ctx, item, result, size, log)
}

// progressSink persists and publishes progress at most every 5% of the
// object (never more often than every 64 KiB) plus once at completion.
func (p *Processor) progressSink(ctx context.Context, item queue.Item, total int64) objectstore.ProgressFunc {
	step := total / 20
	if step < progressMinStep {
		step = progressMinStep
	}
	var last int64
	return func(sent int64) {
		if sent-last < step && sent != total {
			return
		}
		last = sent
		p.updateActive(item.ID, sent, total)
		if err := p.queue.RecordProgress(item.ID, sent, total, "uploading"); err != nil {
			p.logger.Debug("record progress", zap.Uint("item_id", item.ID), zap.Error(err))
		}
		ev := notify.ProgressEvent{
			ItemID:        item.ID,
			FileName:      item.DisplayName,
			BytesUploaded: sent,
			TotalBytes:    total,
			Percent:       percent(sent, total),
			OccurredAt:    time.Now().UTC(),
		}
		if err := p.notifier.UploadProgress(ctx, ev); err != nil {
			p.logger.Debug("publish progress event", zap.Error(err))
		}
	}
}

func (p *Processor) completeDelivery(ctx context.Context, item queue.Item, result *objectstore.UploadInfo, size int64, log *zap.Logger) {
	durMs := result.Duration.Milliseconds()
	if err := p.queue.CompleteSuccess(item.ID, result.URL, durMs); err != nil {
		log.Error("record completed upload", zap.Error(err))
		return
	}
	if err := p.queue.RecordProgress(item.ID, size, size, "completed"); err != nil {
		p.logger.Debug("record final progress", zap.Error(err))
	}

	p.mu.Lock()
	p.completedCount++
	p.completedBytes += size
	p.mu.Unlock()

	// The upload is the source of truth; a failed archive move only
	// warns.
	if dest, err := fsutil.MoveAside(item.SourcePath, fsutil.CompletedDir); err != nil {
		log.Warn("archive delivered file", zap.Error(err))
	} else {
		log.Debug("delivered file archived", zap.String("moved_to", dest))
	}

	ev := notify.CompletedEvent{
		ItemID:         item.ID,
		FileName:       item.DisplayName,
		Origin:         item.Origin,
		SizeBytes:      size,
		DestinationURL: result.URL,
		DurationMs:     durMs,
		Attempts:       item.AttemptCount + 1,
		OccurredAt:     time.Now().UTC(),
	}
	if err := p.notifier.UploadCompleted(ctx, ev); err != nil {
		log.Warn("publish completed event", zap.Error(err))
	}

	log.Info("upload delivered",
		zap.String("destination", result.URL),
		zap.Int64("size_bytes", size),
		zap.Int64("duration_ms", durMs))
}

func (p *Processor) failAttempt(ctx context.Context, span trace.Span, item queue.Item, cause error, log *zap.Logger) {
	span.RecordError(cause)

	terminal, err := p.queue.IncrementAttempt(item.ID, cause.Error())
	if err != nil {
		log.Error("record failed attempt", zap.Error(err))
		return
	}
	attempts := item.AttemptCount + 1

	p.errors.add(ErrorRecord{
		ItemID:   item.ID,
		FileName: item.DisplayName,
		Error:    cause.Error(),
		Terminal: terminal,
		At:       time.Now().UTC(),
	})

	ev := notify.FailedEvent{
		ItemID:     item.ID,
		FileName:   item.DisplayName,
		Origin:     item.Origin,
		Error:      cause.Error(),
		Attempts:   attempts,
		Terminal:   terminal,
		OccurredAt: time.Now().UTC(),
	}
	if err := p.notifier.UploadFailed(ctx, ev); err != nil {
		log.Warn("publish failed event", zap.Error(err))
	}

	if terminal {
		log.Error("upload failed permanently",
			zap.Int("attempts", attempts), zap.Error(cause))
		return
	}
	log.Warn("upload attempt failed, will retry",
		zap.Int("attempts", attempts), zap.Error(cause))
}

func (p *Processor) publishStatus(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := notify.StatusEvent{Status: status, OccurredAt: time.Now().UTC()}
	if err := p.notifier.ProcessorStatus(ctx, ev); err != nil {
		p.logger.Warn("publish processor status", zap.Error(err))
	}
}

// destinationKey namespaces uploads by origin and date; a short unique
// prefix on the file name avoids key collisions for repeated names.
func destinationKey(item queue.Item) string {
	return fmt.Sprintf("%s/%s/%s-%s",
		item.Origin,
		time.Now().UTC().Format("2006/01/02"),
		uuid.NewString()[:8],
		item.DisplayName)
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func percent(sent, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(sent) / float64(total) * 100
}
