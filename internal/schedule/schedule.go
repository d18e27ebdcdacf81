// Package schedule runs named functions on a fixed interval with
// idempotent start/stop, shared by every background loop in the service.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Periodic invokes fn once at startup (after an optional initial delay)
// and then on every interval tick until stopped. A panicking cycle is
// recovered and logged so one bad pass cannot kill the loop.
type Periodic struct {
	name         string
	interval     time.Duration
	initialDelay time.Duration
	fn           func(context.Context)
	logger       *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPeriodic(name string, interval, initialDelay time.Duration, fn func(context.Context), logger *zap.Logger) *Periodic {
	return &Periodic{
		name:         name,
		interval:     interval,
		initialDelay: initialDelay,
		fn:           fn,
		logger:       logger,
	}
}

// Start launches the loop. Calling Start on a running loop is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.running = true
	p.cancel = cancel
	p.done = done

	p.logger.Info("periodic loop started",
		zap.String("loop", p.name),
		zap.Duration("interval", p.interval))

	go func() {
		defer close(done)
		if p.initialDelay > 0 {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(p.initialDelay):
			}
		}
		p.invoke(runCtx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.invoke(runCtx)
			}
		}
	}()
}

func (p *Periodic) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("periodic loop cycle panicked",
				zap.String("loop", p.name),
				zap.Any("panic", r))
		}
	}()
	p.fn(ctx)
}

// Stop cancels the loop and waits for the current cycle to finish.
// Calling Stop on a stopped loop is a no-op.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("periodic loop stopped", zap.String("loop", p.name))
}

// Running reports whether the loop is active.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
