package sources

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/datalift/internal/schedule"
)

// Runner is a live worker for one data source.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
}

// RunnerFactory builds a worker from a source definition.
type RunnerFactory func(src DataSource) (Runner, error)

type runnerEntry struct {
	runner      Runner
	fingerprint string
}

// Coordinator keeps one running worker per enabled source of its type,
// reconciling the worker set against the store on an interval. Edits made
// through the management API take effect on the next pass without a
// restart.
type Coordinator struct {
	typ     Type
	store   *Store
	factory RunnerFactory
	logger  *zap.Logger
	loop    *schedule.Periodic

	mu      sync.Mutex
	baseCtx context.Context
	running map[uint]runnerEntry
}

func NewCoordinator(typ Type, store *Store, factory RunnerFactory, interval time.Duration, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		typ:     typ,
		store:   store,
		factory: factory,
		logger:  logger,
		running: make(map[uint]runnerEntry),
	}
	c.loop = schedule.NewPeriodic("sources."+string(typ), interval, 0, c.reconcile, logger)
	return c
}

func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
	c.loop.Start(ctx)
}

// Stop halts reconciliation and shuts down every worker.
func (c *Coordinator) Stop() {
	c.loop.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.running {
		entry.runner.Stop()
		delete(c.running, id)
	}
}

// RunningCount reports how many workers are live.
func (c *Coordinator) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

func (c *Coordinator) reconcile(ctx context.Context) {
	enabled, err := c.store.Enabled(c.typ)
	if err != nil {
		c.logger.Error("list enabled sources", zap.Error(err))
		return
	}
	desired := make(map[uint]DataSource, len(enabled))
	for _, src := range enabled {
		desired[src.ID] = src
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.running {
		src, ok := desired[id]
		if ok && src.Fingerprint() == entry.fingerprint {
			continue
		}
		entry.runner.Stop()
		delete(c.running, id)
		if ok {
			c.logger.Info("source configuration changed, worker will restart",
				zap.Uint("source_id", id))
		} else {
			c.logger.Info("source disabled or removed, worker stopped",
				zap.Uint("source_id", id))
		}
	}

	for id, src := range desired {
		if _, ok := c.running[id]; ok {
			continue
		}
		runner, err := c.factory(src)
		if err != nil {
			c.logger.Error("build source worker",
				zap.String("source", src.Name), zap.Error(err))
			c.store.RecordError(id, err)
			continue
		}
		// Workers outlive the reconcile cycle, so they run on the
		// coordinator's context rather than the cycle's.
		if err := runner.Start(c.baseCtx); err != nil {
			c.logger.Error("start source worker",
				zap.String("source", src.Name), zap.Error(err))
			c.store.RecordError(id, err)
			continue
		}
		c.running[id] = runnerEntry{runner: runner, fingerprint: src.Fingerprint()}
		c.logger.Info("source worker started",
			zap.String("source", src.Name),
			zap.String("type", string(src.Type)))
	}
}
