// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package lease wraps the store's claim/heartbeat/requeue primitives behind
// one registry with a stable owner identity. Workers and schedulers go
// through here so lease metrics and logging stay in one place.
package lease

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/store"
)

// NewOwner returns a process-unique lease owner id. The host and pid make the
// holder identifiable in the database; the uuid tail makes restarts distinct.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Registry hands out and maintains leases for jobs and nurture batches, plus
// advisory scheduler locks.
type Registry struct {
	store  *store.Store
	owner  string
	ttl    time.Duration
	logger zerolog.Logger
}

// New builds a Registry with the given owner id and lease TTL.
func New(s *store.Store, owner string, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  s,
		owner:  owner,
		ttl:    ttl,
		logger: logger.With().Str("component", "lease").Str("owner", owner).Logger(),
	}
}

// Owner returns the registry's owner id.
func (r *Registry) Owner() string { return r.owner }

// TTL returns the lease duration.
func (r *Registry) TTL() time.Duration { return r.ttl }

func (r *Registry) ttlSeconds() int {
	sec := int(r.ttl / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

// ClaimJob atomically claims the oldest queued job, or returns nil when the
// queue is empty.
func (r *Registry) ClaimJob(ctx context.Context) (*store.Job, error) {
	j, err := r.store.ClaimNextJob(ctx, r.owner, r.ttlSeconds())
	if err != nil || j == nil {
		return j, err
	}
	metrics.RecordClaim("job")
	r.logger.Debug().Int64("job_id", j.ID).Int("attempt", j.RunAttempt).Msg("job claimed")
	return j, nil
}

// HeartbeatJob extends a held job lease. The second return is false when the
// lease is no longer ours; the caller must abandon the job.
func (r *Registry) HeartbeatJob(ctx context.Context, jobID int64) (bool, error) {
	ok, err := r.store.HeartbeatJob(ctx, jobID, r.owner, r.ttlSeconds())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.RecordLeaseRenewal("job")
	} else {
		metrics.RecordLeaseLost("job")
		r.logger.Warn().Int64("job_id", jobID).Msg("job lease lost")
	}
	return ok, nil
}

// ReleaseJob clears a job lease without changing its status.
func (r *Registry) ReleaseJob(ctx context.Context, jobID int64) error {
	return r.store.ClearJobLease(ctx, jobID, r.owner)
}

// ClaimNurtureBatch claims the oldest queued nurture batch, or nil.
func (r *Registry) ClaimNurtureBatch(ctx context.Context) (*store.NurtureBatch, error) {
	b, err := r.store.ClaimNextNurtureBatch(ctx, r.owner, r.ttlSeconds())
	if err != nil || b == nil {
		return b, err
	}
	metrics.RecordClaim("nurture_batch")
	r.logger.Debug().Int64("batch_id", b.ID).Msg("nurture batch claimed")
	return b, nil
}

// HeartbeatNurtureBatch extends a held batch lease.
func (r *Registry) HeartbeatNurtureBatch(ctx context.Context, batchID int64) (bool, error) {
	ok, err := r.store.HeartbeatNurtureBatch(ctx, batchID, r.owner, r.ttlSeconds())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.RecordLeaseRenewal("nurture_batch")
	} else {
		metrics.RecordLeaseLost("nurture_batch")
		r.logger.Warn().Int64("batch_id", batchID).Msg("nurture batch lease lost")
	}
	return ok, nil
}

// ReleaseNurtureBatch clears a batch lease without changing its status.
func (r *Registry) ReleaseNurtureBatch(ctx context.Context, batchID int64) error {
	return r.store.ClearNurtureBatchLease(ctx, batchID, r.owner)
}

// RequeueStale returns running jobs and batches with expired leases to the
// queue. Run on startup and periodically from the worker pool.
func (r *Registry) RequeueStale(ctx context.Context) error {
	jobs, err := r.store.RequeueStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	batches, err := r.store.RequeueStaleNurtureBatches(ctx)
	if err != nil {
		return fmt.Errorf("requeue stale nurture batches: %w", err)
	}
	if jobs > 0 {
		metrics.RecordStaleRequeued("job", jobs)
	}
	if batches > 0 {
		metrics.RecordStaleRequeued("nurture_batch", batches)
	}
	if jobs > 0 || batches > 0 {
		r.logger.Info().Int("jobs", jobs).Int("batches", batches).Msg("stale leases requeued")
	}
	return nil
}

// TryLock attempts the named advisory scheduler lock for ttl. Exactly one
// owner per key wins while the lock is live.
func (r *Registry) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.store.TryAcquireSchedulerLock(ctx, key, r.owner, ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Unlock releases the named lock if we hold it.
func (r *Registry) Unlock(ctx context.Context, key string) error {
	return r.store.ReleaseSchedulerLock(ctx, key, r.owner)
}
