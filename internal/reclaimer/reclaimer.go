// Package reclaimer runs the lease reclaim pass on a fixed interval,
// independently of request handling. It shares nothing with request handlers
// except the ledger files the pass rewrites.
package reclaimer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptline/internal/engine"
	"promptline/internal/logging"
)

const DefaultInterval = 5 * time.Minute

// Sweeper runs one reclaim pass.
type Sweeper interface {
	Reclaim(ctx context.Context) (engine.ReclaimReport, error)
}

type Reclaimer struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger

	mu         sync.RWMutex
	running    bool
	lastReport engine.ReclaimReport
	lastError  error
	passes     int

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Reclaimer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reclaimer{
		sweeper:  sweeper,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Start runs a pass immediately and then one per interval until Stop is
// called or ctx is done. Starting a running reclaimer does nothing.
func (r *Reclaimer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("starting lease reclaimer", zap.Duration("interval", r.interval))
	go r.run(ctx, stopCh, doneCh)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("stopping lease reclaimer")
	close(stopCh)
	<-doneCh
}

func (r *Reclaimer) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// LastReport returns the most recent pass result.
func (r *Reclaimer) LastReport() (engine.ReclaimReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReport, r.lastError
}

// Passes counts completed passes since construction.
func (r *Reclaimer) Passes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.passes
}

func (r *Reclaimer) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.doneCh == doneCh {
			r.running = false
		}
		r.mu.Unlock()
		close(doneCh)
	}()

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reclaimer stopped: context canceled")
			return
		case <-stopCh:
			r.logger.Info("lease reclaimer stopped: stop requested")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reclaimer) sweep(ctx context.Context) {
	report, err := r.sweeper.Reclaim(ctx)

	r.mu.Lock()
	r.lastReport = report
	r.lastError = err
	r.passes++
	r.mu.Unlock()

	if err != nil {
		// failed partitions are retried on the next tick
		r.logger.Error("reclaim pass failed", zap.Error(err))
		return
	}
	r.logger.Debug("reclaim pass completed", zap.Int("removed", report.Total()))
}
