// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package runner executes one claimed job end to end: dispatch, submit,
// progress polling with transport failover, publish with bounded backoff,
// optional watermark rewrite. Run returns only when the job reached a
// terminal status or the lease was lost.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/browser"
	"github.com/ManuGH/sorad/internal/dispatch"
	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/quota"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
	"github.com/ManuGH/sorad/internal/upstream"
	"github.com/ManuGH/sorad/internal/watermark"
)

// ErrLeaseLost aborts a run silently: the sweeper requeues the job and no
// status change is made from the losing side.
var ErrLeaseLost = errors.New("runner: lease lost")

// Transport is the poll/publish shape shared by the proxied-API client and an
// open browser session.
type Transport interface {
	Poll(ctx context.Context, taskID, accessToken string, wantDrafts bool) (*browser.PollResult, error)
	Publish(ctx context.Context, generationID, caption string) (*browser.PublishResult, error)
}

// TransportFactory builds the proxied-API transport for a profile. A nil
// factory means the runner goes in-browser from the start.
type TransportFactory func(ctx context.Context, profileID string) (Transport, error)

// Config is the per-run settings snapshot.
type Config struct {
	Sora      settings.SoraSettings
	Dispatch  settings.AccountDispatch
	Watermark settings.WatermarkSettings
}

// Runner drives the per-job state machine.
type Runner struct {
	store    *store.Store
	engine   *dispatch.Engine
	quota    *quota.Tracker
	events   *eventlog.Service
	opener   browser.Opener
	proxied  TransportFactory
	rewriter watermark.Rewriter
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Runner. proxied and rewriter may be nil.
func New(s *store.Store, engine *dispatch.Engine, q *quota.Tracker, events *eventlog.Service,
	opener browser.Opener, proxied TransportFactory, rewriter watermark.Rewriter, logger zerolog.Logger) *Runner {
	return &Runner{
		store:    s,
		engine:   engine,
		quota:    q,
		events:   events,
		opener:   opener,
		proxied:  proxied,
		rewriter: rewriter,
		logger:   logger.With().Str("component", "runner").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var publishBackoff = []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second, 12 * time.Second}

// Run executes the job to a terminal status. leaseLost is polled at safe
// points; when it reports true the runner aborts with ErrLeaseLost without
// touching the row.
func (r *Runner) Run(ctx context.Context, jobID int64, cfg Config, leaseLost func() bool) error {
	if leaseLost == nil {
		leaseLost = func() bool { return false }
	}
	started := r.now()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("runner: load job %d: %w", jobID, err)
	}
	if store.IsTerminalStatus(job.Status) {
		return nil
	}
	log := r.logger.With().Int64("job_id", job.ID).Int("attempt", job.RunAttempt).Logger()

	// Phase queue: profile selection.
	profile, done, err := r.ensureProfile(ctx, job, cfg)
	if done || err != nil {
		return err
	}
	log = log.With().Str("profile_id", profile).Logger()

	session, err := r.opener.Open(ctx, profile)
	if err != nil {
		r.failPhase(ctx, job.ID, store.PhaseSubmit, "session_open",
			fmt.Sprintf("open session on %s: %v", profile, err), started)
		return nil
	}
	defer func() {
		if cerr := session.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn().Err(cerr).Msg("session close failed")
		}
	}()

	// Phase submit.
	taskID, accessToken, done, err := r.runSubmit(ctx, job, cfg, session, started)
	if done || err != nil {
		return err
	}

	// Phase progress.
	tr, proxiedActive := r.pickTransport(ctx, profile, session, log)
	generationID, tr, done, err := r.runProgress(ctx, job, cfg, session, tr, proxiedActive, taskID, accessToken, started, leaseLost)
	if done || err != nil {
		return err
	}

	// Phase publish.
	publishURL, done, err := r.runPublish(ctx, job, cfg, tr, taskID, accessToken, generationID, started, leaseLost)
	if done || err != nil {
		return err
	}

	// Phase watermark, never fatal.
	r.runWatermark(ctx, job.ID, cfg, publishURL)

	if err := r.store.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("runner: complete job %d: %w", job.ID, err)
	}
	metrics.RecordTransition(store.PhasePublish, store.PhaseDone)
	metrics.RecordFinished(store.JobCompleted, r.now().Sub(started))
	r.events.JobEvent(ctx, job.ID, store.PhaseDone, "finish", "info", publishURL, job.Operator, "", nil)
	log.Info().Str("publish_url", publishURL).Dur("took", r.now().Sub(started)).Msg("job completed")
	return nil
}

// ensureProfile dispatches when the job carries no profile. done=true means
// the run is over (dispatch exhausted the candidates and failed the job).
func (r *Runner) ensureProfile(ctx context.Context, job *store.Job, cfg Config) (string, bool, error) {
	if job.ProfileID != nil && *job.ProfileID != "" {
		if job.DispatchMode == nil {
			if err := r.store.SetJobDispatch(ctx, job.ID, *job.ProfileID, "manual", 0, 0, 0, "preassigned profile"); err != nil {
				return "", false, fmt.Errorf("runner: record manual dispatch: %w", err)
			}
		}
		return *job.ProfileID, false, nil
	}
	res, err := r.engine.Dispatch(ctx, job, cfg.Dispatch)
	if errors.Is(err, dispatch.ErrNoCandidate) {
		metrics.RecordFinished(store.JobFailed, 0)
		return "", true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("runner: dispatch job %d: %w", job.ID, err)
	}
	return res.ProfileID, false, nil
}

func (r *Runner) runSubmit(ctx context.Context, job *store.Job, cfg Config, session browser.Session, started time.Time) (taskID, accessToken string, done bool, err error) {
	if job.TaskID != nil && *job.TaskID != "" {
		// Resumed after a lease takeover; the submission already happened.
		return *job.TaskID, "", false, nil
	}

	if err := r.enterPhase(ctx, job.ID, store.PhaseQueue, store.PhaseSubmit, job.Operator); err != nil {
		return "", "", false, err
	}

	spec := browser.SubmitSpec{
		Prompt:      job.Prompt,
		Duration:    job.Duration,
		AspectRatio: job.AspectRatio,
	}
	if job.ImageURL != nil {
		spec.ImageURL = *job.ImageURL
	}

	res, serr := session.Submit(ctx, spec)
	if serr != nil {
		if errors.Is(serr, upstream.ErrOverload) || upstream.IsOverloadMarker(serr.Error()) {
			return "", "", true, r.overloadRetry(ctx, job, cfg, started)
		}
		r.failPhase(ctx, job.ID, store.PhaseSubmit, "submit_error", serr.Error(), started)
		return "", "", true, nil
	}
	if res.TaskID == "" {
		r.failPhase(ctx, job.ID, store.PhaseSubmit, "no_task_id", "submit returned no task id", started)
		return "", "", true, nil
	}
	if err := r.store.SetJobTaskID(ctx, job.ID, res.TaskID); err != nil {
		return "", "", false, fmt.Errorf("runner: set task id: %w", err)
	}
	r.events.JobEvent(ctx, job.ID, store.PhaseSubmit, "finish", "info", "", job.Operator, "",
		map[string]any{"task_id": res.TaskID})
	return res.TaskID, res.AccessToken, false, nil
}

// overloadRetry implements the dispatcher-level retry: the current row goes
// terminal and a fresh queued row continues the chain on another profile.
func (r *Runner) overloadRetry(ctx context.Context, job *store.Job, cfg Config, started time.Time) error {
	if job.RetryIndex >= cfg.Sora.HeavyLoadRetryMaxAttempts {
		r.failPhase(ctx, job.ID, store.PhaseSubmit, "heavy_load",
			fmt.Sprintf("upstream heavy load, retry budget exhausted after %d attempts", job.RetryIndex), started)
		return nil
	}
	root := job.ChainRootID()
	retry, err := r.store.CreateJob(ctx, store.JobSpec{
		Prompt:       job.Prompt,
		ImageURL:     job.ImageURL,
		Duration:     job.Duration,
		AspectRatio:  job.AspectRatio,
		GroupTitle:   job.GroupTitle,
		Operator:     job.Operator,
		RootJobID:    &root,
		RetryOfJobID: &job.ID,
		RetryIndex:   job.RetryIndex + 1,
	})
	if err != nil {
		return fmt.Errorf("runner: create overload retry for job %d: %w", job.ID, err)
	}
	if err := r.store.FailJob(ctx, job.ID,
		fmt.Sprintf("submit: upstream heavy load, retried as job %d", retry.ID)); err != nil {
		return fmt.Errorf("runner: fail overloaded job %d: %w", job.ID, err)
	}
	metrics.RecordPhaseFail(store.PhaseSubmit, "heavy_load")
	metrics.RecordFinished(store.JobFailed, r.now().Sub(started))
	r.events.JobEvent(ctx, job.ID, store.PhaseSubmit, "fail", "warn",
		"upstream heavy load, retrying on another profile", job.Operator, "",
		map[string]any{"retry_job_id": retry.ID, "retry_index": retry.RetryIndex})
	r.logger.Warn().Int64("job_id", job.ID).Int64("retry_job_id", retry.ID).Msg("overload retry chained")
	return nil
}

func (r *Runner) pickTransport(ctx context.Context, profile string, session browser.Session, log zerolog.Logger) (Transport, bool) {
	if r.proxied == nil {
		return session, false
	}
	tr, err := r.proxied(ctx, profile)
	if err != nil {
		log.Warn().Err(err).Msg("proxied transport unavailable, starting in-browser")
		return session, false
	}
	return tr, true
}

func (r *Runner) runProgress(ctx context.Context, job *store.Job, cfg Config, session browser.Session,
	tr Transport, proxiedActive bool, taskID, accessToken string, started time.Time,
	leaseLost func() bool) (string, Transport, bool, error) {

	if err := r.enterPhase(ctx, job.ID, store.PhaseSubmit, store.PhaseProgress, job.Operator); err != nil {
		return "", tr, false, err
	}

	pollInterval := time.Duration(cfg.Sora.GeneratePollIntervalSec) * time.Second
	draftInterval := time.Duration(cfg.Sora.DraftManualPollIntervalMinutes) * time.Minute
	generateBudget := time.Duration(cfg.Sora.GenerateMaxMinutes) * time.Minute
	draftBudget := time.Duration(cfg.Sora.DraftWaitTimeoutMinutes) * time.Minute

	phaseStart := r.now()
	var lastDraftPoll time.Time

	for {
		if leaseLost() {
			return "", tr, true, ErrLeaseLost
		}
		if done, err := r.checkCanceled(ctx, job, store.PhaseProgress); done || err != nil {
			return "", tr, done, err
		}
		elapsed := r.now().Sub(phaseStart)
		if elapsed > generateBudget || elapsed > draftBudget {
			r.failPhase(ctx, job.ID, store.PhaseProgress, "timeout",
				fmt.Sprintf("no generation id after %s", elapsed.Round(time.Second)), started)
			return "", tr, true, nil
		}

		wantDrafts := lastDraftPoll.IsZero() || r.now().Sub(lastDraftPoll) >= draftInterval
		if wantDrafts {
			lastDraftPoll = r.now()
		}

		res, perr := tr.Poll(ctx, taskID, accessToken, wantDrafts)
		challenged := errors.Is(perr, upstream.ErrChallenge) || (perr == nil && res.CFChallenge)
		if challenged {
			if proxiedActive {
				// Permanent for this job: fall back to the live session.
				proxiedActive = false
				tr = session
				metrics.RecordTransportFailover()
				r.events.JobEvent(ctx, job.ID, store.PhaseProgress, "transport_failover", "warn",
					"anti-bot challenge on proxied transport, switching to in-browser fetch",
					job.Operator, "", nil)
				continue
			}
			r.failPhase(ctx, job.ID, store.PhaseProgress, "challenge",
				"anti-bot challenge on in-browser transport", started)
			return "", tr, true, nil
		}
		if perr != nil {
			// Transient: the phase budget bounds how long we keep trying.
			r.logger.Warn().Err(perr).Int64("job_id", job.ID).Msg("poll failed, will retry")
			if err := r.sleep(ctx, pollInterval); err != nil {
				return "", tr, false, err
			}
			continue
		}

		if res.QuotaRemaining != nil && res.QuotaTotal != nil {
			if oerr := r.quota.Observe(ctx, *job.ProfileID, *res.QuotaRemaining, *res.QuotaTotal,
				res.QuotaResetAt, res.PlanType); oerr != nil {
				r.logger.Warn().Err(oerr).Msg("quota observation failed")
			}
		}

		pct := estimateProgress(res.Progress, elapsed, generateBudget)
		if err := r.store.UpdateJobProgress(ctx, job.ID, pct); err != nil {
			return "", tr, false, fmt.Errorf("runner: progress update: %w", err)
		}

		if res.GenerationID != "" {
			if err := r.store.SetJobGenerationID(ctx, job.ID, res.GenerationID); err != nil {
				return "", tr, false, fmt.Errorf("runner: set generation id: %w", err)
			}
			r.events.JobEvent(ctx, job.ID, store.PhaseProgress, "finish", "info", "", job.Operator, "",
				map[string]any{"generation_id": res.GenerationID})
			return res.GenerationID, tr, false, nil
		}
		if res.Error != "" {
			r.failPhase(ctx, job.ID, store.PhaseProgress, "upstream_error", res.Error, started)
			return "", tr, true, nil
		}

		if err := r.sleep(ctx, pollInterval); err != nil {
			return "", tr, false, err
		}
	}
}

func (r *Runner) runPublish(ctx context.Context, job *store.Job, cfg Config, tr Transport,
	taskID, accessToken, generationID string, started time.Time, leaseLost func() bool) (string, bool, error) {

	if err := r.enterPhase(ctx, job.ID, store.PhaseProgress, store.PhasePublish, job.Operator); err != nil {
		return "", false, err
	}
	caption := Caption(job.Prompt)

	maxAttempts := cfg.Sora.PublishRetryMax
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if leaseLost() {
			return "", true, ErrLeaseLost
		}
		if done, err := r.checkCanceled(ctx, job, store.PhasePublish); done || err != nil {
			return "", done, err
		}
		if attempt > 0 {
			backoff := publishBackoff[min(attempt, len(publishBackoff)-1)]
			if err := r.sleep(ctx, backoff); err != nil {
				return "", false, err
			}
		}

		res, perr := tr.Publish(ctx, generationID, caption)
		var kind error
		switch {
		case perr != nil:
			kind = perr
		default:
			kind = upstream.ClassifyPublishError(res.ErrorCode, res.ErrorMsg)
		}

		switch {
		case kind == nil:
			if !ValidPublishURL(res.PublishURL) {
				r.failPhase(ctx, job.ID, store.PhasePublish, "invalid_url",
					fmt.Sprintf("publish returned unusable url %q", res.PublishURL), started)
				return "", true, nil
			}
			if err := r.store.SetJobPublishResult(ctx, job.ID, res.PublishURL, res.PostID, res.Permalink); err != nil {
				return "", false, fmt.Errorf("runner: set publish result: %w", err)
			}
			r.events.JobEvent(ctx, job.ID, store.PhasePublish, "finish", "info", res.PublishURL,
				job.Operator, "", map[string]any{"post_id": res.PostID})
			return res.PublishURL, false, nil

		case errors.Is(kind, upstream.ErrDuplicatePublish):
			// Someone already published this generation. Resolve the URL
			// from the draft record and treat it as success.
			draft, derr := tr.Poll(ctx, taskID, accessToken, true)
			if derr == nil && draft.PublishURL != "" && ValidPublishURL(draft.PublishURL) {
				if err := r.store.SetJobPublishResult(ctx, job.ID, draft.PublishURL, "", ""); err != nil {
					return "", false, fmt.Errorf("runner: set publish result: %w", err)
				}
				r.events.JobEvent(ctx, job.ID, store.PhasePublish, "finish", "info", draft.PublishURL,
					job.Operator, "", map[string]any{"duplicate": true})
				return draft.PublishURL, false, nil
			}
			r.failPhase(ctx, job.ID, store.PhasePublish, "duplicate_unresolved",
				"duplicate publish reported but no resolvable url in drafts", started)
			return "", true, nil

		case errors.Is(kind, upstream.ErrInvalidRequest):
			// genid sometimes lags server-side; back off and retry.
			r.logger.Debug().Int64("job_id", job.ID).Int("attempt", attempt+1).Msg("publish invalid request, retrying")
			continue

		default:
			r.failPhase(ctx, job.ID, store.PhasePublish, "publish_error", kind.Error(), started)
			return "", true, nil
		}
	}

	r.failPhase(ctx, job.ID, store.PhasePublish, "retries_exhausted",
		fmt.Sprintf("publish retries exhausted after %d attempts", maxAttempts), started)
	return "", true, nil
}

// runWatermark never fails the job; it only records its own sub-lifecycle.
func (r *Runner) runWatermark(ctx context.Context, jobID int64, cfg Config, publishURL string) {
	if !cfg.Watermark.Enabled || r.rewriter == nil {
		if err := r.store.SetJobWatermark(ctx, jobID, store.WatermarkSkipped, "", "", 0); err != nil {
			r.logger.Warn().Err(err).Int64("job_id", jobID).Msg("watermark skip record failed")
		}
		return
	}
	metrics.RecordTransition(store.PhasePublish, store.PhaseWatermark)
	r.events.JobEvent(ctx, jobID, store.PhaseWatermark, "start", "info", "", "", "", nil)

	var lastErr error
	for attempt := 1; attempt <= cfg.Watermark.MaxAttempts; attempt++ {
		wmCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Watermark.TimeoutMS)*time.Millisecond)
		out, err := r.rewriter.Rewrite(wmCtx, publishURL)
		cancel()
		if err == nil {
			if werr := r.store.SetJobWatermark(ctx, jobID, store.WatermarkCompleted, out, "", attempt); werr != nil {
				r.logger.Error().Err(werr).Int64("job_id", jobID).Msg("watermark result write failed")
			}
			r.events.JobEvent(ctx, jobID, store.PhaseWatermark, "finish", "info", out, "", "", nil)
			return
		}
		lastErr = err
	}

	status := store.WatermarkFailed
	if cfg.Watermark.FallbackOnFailure {
		status = store.WatermarkSkipped
	}
	if werr := r.store.SetJobWatermark(ctx, jobID, status, "", lastErr.Error(), cfg.Watermark.MaxAttempts); werr != nil {
		r.logger.Error().Err(werr).Int64("job_id", jobID).Msg("watermark failure write failed")
	}
	metrics.RecordPhaseFail(store.PhaseWatermark, "rewrite_error")
	r.events.JobEvent(ctx, jobID, store.PhaseWatermark, "fail", "warn", lastErr.Error(), "", "", nil)
}

func (r *Runner) enterPhase(ctx context.Context, jobID int64, from, to, operator string) error {
	if err := r.store.SetJobPhase(ctx, jobID, to); err != nil {
		return fmt.Errorf("runner: enter phase %s: %w", to, err)
	}
	metrics.RecordTransition(from, to)
	r.events.JobEvent(ctx, jobID, to, "start", "info", "", operator, "", nil)
	return nil
}

// checkCanceled exits cooperatively when the API flipped the job to canceled.
func (r *Runner) checkCanceled(ctx context.Context, job *store.Job, phase string) (bool, error) {
	canceled, err := r.store.IsJobCanceled(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("runner: cancel check: %w", err)
	}
	if !canceled {
		return false, nil
	}
	metrics.RecordFinished(store.JobCanceled, 0)
	r.events.JobEvent(ctx, job.ID, phase, "cancel", "info", "canceled by operator", job.Operator, "", nil)
	r.logger.Info().Int64("job_id", job.ID).Str("phase", phase).Msg("job canceled, exiting")
	return true, nil
}

func (r *Runner) failPhase(ctx context.Context, jobID int64, phase, reason, message string, started time.Time) {
	if err := r.store.FailJob(ctx, jobID, phase+": "+message); err != nil {
		r.logger.Error().Err(err).Int64("job_id", jobID).Msg("fail transition write failed")
	}
	metrics.RecordPhaseFail(phase, reason)
	metrics.RecordFinished(store.JobFailed, r.now().Sub(started))
	r.events.JobEvent(ctx, jobID, phase, "fail", "error", message, "", "", map[string]any{"reason": reason})
	r.logger.Warn().Int64("job_id", jobID).Str("phase", phase).Str("reason", reason).Msg("phase failed")
}

// estimateProgress prefers the observed value; without one it extrapolates
// from elapsed wall clock, never past 95 before completion.
func estimateProgress(observed *int, elapsed, budget time.Duration) int {
	if observed != nil {
		return *observed
	}
	if budget <= 0 {
		return 0
	}
	pct := int(float64(elapsed) / float64(budget) * 100)
	if pct > 95 {
		pct = 95
	}
	return pct
}
