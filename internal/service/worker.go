package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"go.uber.org/zap"
)

type PoolConfig struct {
	Workers         int
	PollInterval    time.Duration
	MaxTaskAttempts int
	RetryBase       time.Duration
	RetryMax        time.Duration
}

// Pool runs queued orchestration tasks. At most one task per tenant is
// running at a time; the claim query enforces it.
type Pool struct {
	store    repository.Store
	executor *Executor
	cfg      PoolConfig
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
	signal   chan struct{}
}

func NewPool(store repository.Store, executor *Executor, cfg PoolConfig, m *metrics.Metrics, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxTaskAttempts <= 0 {
		cfg.MaxTaskAttempts = 8
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	return &Pool{
		store:    store,
		executor: executor,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
		signal:   make(chan struct{}, 1),
	}
}

// Wake nudges an idle worker. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done and every worker has returned. A worker
// finishes its current task before exiting.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", zap.Int("workers", p.cfg.Workers))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	p.log.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			ok, err := p.RunOnce(ctx)
			if err != nil {
				log.Error("claim task failed", zap.Error(err))
				break
			}
			if !ok {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes a single task. It reports false when the
// queue had nothing claimable.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.store.ClaimTask(ctx, p.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// another task may be claimable for a different tenant
	p.Wake()

	p.handle(ctx, task)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, task *models.OrchestrationTask) {
	log := p.log.With(
		zap.Int64("task_id", task.ID),
		zap.String("tenant_id", task.TenantID),
		zap.String("target", string(task.TargetState)),
		zap.Int("attempt", task.Attempts),
	)
	log.Info("task claimed")

	_, runErr := p.executor.RunTask(ctx, task)

	// bookkeeping must land even during shutdown
	wctx := context.WithoutCancel(ctx)
	result := "done"

	switch {
	case runErr == nil:
		if err := p.store.CompleteTask(wctx, task.ID); err != nil {
			log.Error("complete task failed", zap.Error(err))
		}
		log.Info("task done")

	case errors.Is(runErr, ErrTransient) || errors.Is(runErr, context.Canceled):
		if task.Attempts >= p.cfg.MaxTaskAttempts {
			result = "exhausted"
			if err := p.executor.Fail(wctx, task.TenantID, task.TargetState, task.ExternalEventID, runErr.Error()); err != nil {
				log.Error("record task exhaustion failed", zap.Error(err))
			}
			if err := p.store.FailTask(wctx, task.ID, runErr.Error()); err != nil {
				log.Error("fail task failed", zap.Error(err))
			}
			log.Warn("task exhausted retries", zap.Error(runErr))
			break
		}
		result = "retry"
		at := p.now().UTC().Add(p.retryDelay(task.Attempts))
		if err := p.store.RetryTask(wctx, task.ID, at, runErr.Error()); err != nil {
			log.Error("retry task failed", zap.Error(err))
		}
		log.Warn("task will retry", zap.Time("available_at", at), zap.Error(runErr))

	default:
		result = "failed"
		if err := p.store.FailTask(wctx, task.ID, runErr.Error()); err != nil {
			log.Error("fail task failed", zap.Error(err))
		}
		log.Error("task failed", zap.Error(runErr))
	}

	p.metrics.ObserveTask(string(task.TargetState), result)
	if n, err := p.store.CountQueuedTasks(wctx); err == nil {
		p.metrics.SetQueueDepth(n)
	}
}

// retryDelay grows exponentially with the attempt count.
func (p *Pool) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryBase
	b.MaxInterval = p.cfg.RetryMax
	b.RandomizationFactor = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
