// Package poller ingests records from remote HTTP APIs. Each poll cycle
// fetches the configured endpoint, splits the response into logical
// records, and spools every new record to disk as a file queued for
// upload.
package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/datalift/internal/content"
	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/schedule"
	"github.com/your-org/datalift/internal/sources"
)

const (
	DefaultInterval = 5 * time.Minute
	requestTimeout  = 30 * time.Second
)

// Params configures a poller for one API source.
type Params struct {
	Source   sources.DataSource
	Queue    *queue.Queue
	Status   sources.StatusRecorder
	Logger   *zap.Logger
	SpoolDir string

	// Client and Interval override the defaults derived from Source.
	Client   *resty.Client
	Interval time.Duration
}

// Poller periodically fetches one endpoint and enqueues new records.
// Record bytes are the canonical JSON encoding, so the same record seen
// twice hashes identically and deduplicates.
type Poller struct {
	source   sources.DataSource
	queue    *queue.Queue
	status   sources.StatusRecorder
	logger   *zap.Logger
	spoolDir string
	client   *resty.Client
	loop     *schedule.Periodic
}

var _ sources.Runner = (*Poller)(nil)

func New(p Params) *Poller {
	interval := p.Interval
	if interval <= 0 {
		if p.Source.IntervalSeconds > 0 {
			interval = time.Duration(p.Source.IntervalSeconds) * time.Second
		} else {
			interval = DefaultInterval
		}
	}
	client := p.Client
	if client == nil {
		client = resty.New().SetTimeout(requestTimeout)
	}

	pl := &Poller{
		source:   p.Source,
		queue:    p.Queue,
		status:   p.Status,
		logger:   p.Logger.With(zap.String("source", p.Source.Name)),
		spoolDir: filepath.Join(p.SpoolDir, sanitizeName(p.Source.Name)),
		client:   client,
	}
	pl.loop = schedule.NewPeriodic("poller."+p.Source.Name, interval, 0, pl.poll, pl.logger)
	return pl
}

func (p *Poller) Start(ctx context.Context) error {
	if p.source.Endpoint == "" {
		return fmt.Errorf("api source %s has no endpoint", p.source.Name)
	}
	if err := os.MkdirAll(p.spoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir %s: %w", p.spoolDir, err)
	}
	p.loop.Start(ctx)
	return nil
}

func (p *Poller) Stop() {
	p.loop.Stop()
}

func (p *Poller) poll(ctx context.Context) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(p.source.Headers).
		Get(p.source.Endpoint)
	if err != nil {
		p.fail("fetch", err)
		return
	}
	if !resp.IsSuccess() {
		p.fail("fetch", fmt.Errorf("endpoint returned %s", resp.Status()))
		return
	}

	records, err := splitRecords(resp.Body(), p.source.ResponsePath)
	if err != nil {
		p.fail("extract records", err)
		return
	}

	queued, duplicates := 0, 0
	for _, rec := range records {
		created, err := p.ingest(rec)
		if err != nil {
			// One bad record must not sink the batch.
			p.logger.Warn("ingest record", zap.Error(err))
			continue
		}
		if created {
			queued++
		} else {
			duplicates++
		}
	}

	p.logger.Info("poll cycle finished",
		zap.Int("records", len(records)),
		zap.Int("queued", queued),
		zap.Int("duplicates", duplicates))
	p.status.RecordSuccess(p.source.ID)
}

func (p *Poller) fail(stage string, err error) {
	p.logger.Warn("poll cycle failed", zap.String("stage", stage), zap.Error(err))
	p.status.RecordError(p.source.ID, fmt.Errorf("%s: %w", stage, err))
}

// ingest spools one record and enqueues it. Returns false when the
// record's content is already known to the queue.
func (p *Poller) ingest(rec record) (bool, error) {
	hash := content.HashBytes(rec.body)

	existing, err := p.queue.FindByHash(hash)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	name := p.fileName(rec)
	path := filepath.Join(p.spoolDir, name)
	if _, err := os.Stat(path); err == nil {
		// Same identity, new content: an updated record. Keep the old
		// spool file for its still-queued item.
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext)
		path = filepath.Join(p.spoolDir, name)
	}
	if err := os.WriteFile(path, rec.body, 0o644); err != nil {
		return false, fmt.Errorf("write spool file: %w", err)
	}

	kind := content.KindStructured
	if !rec.structured {
		kind = content.KindOther
	}
	item, created, err := p.queue.Enqueue(queue.EnqueueParams{
		SourcePath:  path,
		DisplayName: name,
		ContentType: kind,
		Origin:      queue.OriginAPI,
		SizeBytes:   int64(len(rec.body)),
		ContentHash: hash,
	})
	if err != nil {
		os.Remove(path)
		return false, err
	}
	if !created {
		os.Remove(path)
		return false, nil
	}

	p.logger.Info("record queued for upload",
		zap.Uint("item_id", item.ID),
		zap.String("file", name),
		zap.Int("size_bytes", len(rec.body)))
	return true, nil
}

func (p *Poller) fileName(rec record) string {
	identity := recordIdentity(rec.fields, p.source.IDFields)
	if identity == "" {
		identity = uuid.NewString()[:8]
	}
	ext := ".json"
	if !rec.structured {
		ext = ".dat"
	}
	return fmt.Sprintf("%s-%s%s", sanitizeName(p.source.Name), identity, ext)
}
