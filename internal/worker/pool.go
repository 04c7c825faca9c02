// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker runs the claim/execute loops of one process: jobs up to the
// configured concurrency, nurture batches one at a time, plus the periodic
// stale-lease sweeper. Every claimed row runs under a heartbeat companion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/sorad/internal/lease"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/runner"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

// JobExecutor runs one claimed job to a terminal status.
type JobExecutor interface {
	Run(ctx context.Context, jobID int64, cfg runner.Config, leaseLost func() bool) error
}

// BatchExecutor runs one claimed nurture batch.
type BatchExecutor interface {
	Run(ctx context.Context, batch *store.NurtureBatch, leaseLost func() bool) error
}

// Options tune the pool loops. Zero values pick the defaults.
type Options struct {
	PollInterval    time.Duration // claim scan cadence, default 1s
	SweepInterval   time.Duration // stale-lease sweep cadence, default 1m
	ShutdownTimeout time.Duration // bounded wait on Stop, default 30s
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// Pool is one process's worker set.
type Pool struct {
	store    *store.Store
	leases   *lease.Registry
	jobs     JobExecutor
	batches  BatchExecutor
	settings *settings.Service
	logger   zerolog.Logger
	opts     Options

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	inFlight atomic.Int64
	running  sync.WaitGroup
}

// New builds a Pool. batches may be nil when the process handles jobs only.
func New(s *store.Store, leases *lease.Registry, jobs JobExecutor, batches BatchExecutor,
	cfg *settings.Service, opts Options, logger zerolog.Logger) *Pool {
	opts.withDefaults()
	return &Pool{
		store:    s,
		leases:   leases,
		jobs:     jobs,
		batches:  batches,
		settings: cfg,
		logger:   logger.With().Str("component", "worker").Str("owner", leases.Owner()).Logger(),
		opts:     opts,
	}
}

// Start recovers stale leases and launches the loops. A second Start is
// rejected.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker: already started")
	}
	p.started = true

	// Recover whatever the previous process left behind before claiming.
	if err := p.leases.RequeueStale(ctx); err != nil {
		p.started = false
		return fmt.Errorf("worker: startup sweep: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	p.group = g

	g.Go(func() error { return p.jobLoop(gctx) })
	if p.batches != nil {
		g.Go(func() error { return p.batchLoop(gctx) })
	}
	g.Go(func() error { return p.sweepLoop(gctx) })

	p.logger.Info().Msg("worker pool started")
	return nil
}

// Stop signals the loops, cancels in-flight work, and waits bounded for it to
// unwind. A Stop without a Start, or a second Stop, is a no-op.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	group := p.group
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		p.running.Wait()
		close(done)
	}()

	timeout := p.opts.ShutdownTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	select {
	case <-done:
		p.logger.Info().Msg("worker pool stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker: shutdown timed out after %s with %d jobs in flight",
			timeout, p.inFlight.Load())
	}
}

func (p *Pool) jobLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		p.claimJobs(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pool) claimJobs(ctx context.Context) {
	cfg, err := p.runnerConfig(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("settings read failed, skipping claim round")
		return
	}
	maxConcurrency := int64(cfg.Sora.JobMaxConcurrency)

	for p.inFlight.Load() < maxConcurrency && ctx.Err() == nil {
		job, err := p.leases.ClaimJob(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("job claim failed")
			return
		}
		if job == nil {
			return
		}
		p.inFlight.Add(1)
		metrics.IncJobsInFlight()
		p.running.Add(1)
		go p.runJob(ctx, job, cfg)
	}
}

func (p *Pool) runJob(ctx context.Context, job *store.Job, cfg runner.Config) {
	defer func() {
		p.inFlight.Add(-1)
		metrics.DecJobsInFlight()
		p.running.Done()
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	hbDone := p.heartbeat(jobCtx, job.ID, &lost, cancel, p.leases.HeartbeatJob)
	defer func() {
		cancel()
		<-hbDone
		// Release with a fresh context: the job context is gone by now.
		if !lost.Load() {
			if err := p.leases.ReleaseJob(context.WithoutCancel(ctx), job.ID); err != nil {
				p.logger.Error().Err(err).Int64("job_id", job.ID).Msg("lease release failed")
			}
		}
	}()

	err := p.jobs.Run(jobCtx, job.ID, cfg, lost.Load)
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrLeaseLost):
		p.logger.Warn().Int64("job_id", job.ID).Msg("job abandoned, lease lost")
	case errors.Is(err, context.Canceled):
		p.logger.Info().Int64("job_id", job.ID).Msg("job interrupted by shutdown")
	default:
		// Record, do not flip the status: the sweeper decides what happens
		// to the row.
		p.logger.Error().Err(err).Int64("job_id", job.ID).Msg("job run failed")
		if serr := p.store.SetJobRunLastError(context.WithoutCancel(ctx), job.ID, err.Error()); serr != nil {
			p.logger.Error().Err(serr).Int64("job_id", job.ID).Msg("run error write failed")
		}
	}
}

// heartbeat extends the lease every TTL/3 until ctx ends. On a lost lease it
// flips the flag and cancels the run.
func (p *Pool) heartbeat(ctx context.Context, id int64, lost *atomic.Bool, cancel context.CancelFunc,
	beat func(ctx context.Context, id int64) (bool, error)) <-chan struct{} {

	done := make(chan struct{})
	interval := p.leases.TTL() / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := beat(context.WithoutCancel(ctx), id)
			if err != nil {
				p.logger.Warn().Err(err).Int64("id", id).Msg("heartbeat failed")
				continue
			}
			if !ok {
				lost.Store(true)
				cancel()
				return
			}
		}
	}()
	return done
}

func (p *Pool) batchLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := p.leases.ClaimNurtureBatch(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("batch claim failed")
			continue
		}
		if batch == nil {
			continue
		}
		// Nurture runs inline: one batch per process.
		p.runBatch(ctx, batch)
	}
}

func (p *Pool) runBatch(ctx context.Context, batch *store.NurtureBatch) {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	hbDone := p.heartbeat(batchCtx, batch.ID, &lost, cancel, p.leases.HeartbeatNurtureBatch)
	defer func() {
		cancel()
		<-hbDone
		if !lost.Load() {
			if err := p.leases.ReleaseNurtureBatch(context.WithoutCancel(ctx), batch.ID); err != nil {
				p.logger.Error().Err(err).Int64("batch_id", batch.ID).Msg("batch lease release failed")
			}
		}
	}()

	if err := p.batches.Run(batchCtx, batch, lost.Load); err != nil &&
		!errors.Is(err, runner.ErrLeaseLost) && !errors.Is(err, context.Canceled) {
		p.logger.Error().Err(err).Int64("batch_id", batch.ID).Msg("batch run failed")
	}
}

func (p *Pool) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.leases.RequeueStale(ctx); err != nil {
			p.logger.Error().Err(err).Msg("stale sweep failed")
		}
	}
}

func (p *Pool) runnerConfig(ctx context.Context) (runner.Config, error) {
	sys, err := p.settings.System(ctx)
	if err != nil {
		return runner.Config{}, err
	}
	wm, err := p.settings.Watermark(ctx)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{Sora: sys.Sora, Dispatch: sys.Dispatch, Watermark: wm}, nil
}
