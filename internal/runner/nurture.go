// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/browser"
	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/store"
)

// NurtureRunner warms up the profiles of a claimed batch: open a session,
// touch the account's draft view, close. Individual profile failures do not
// abort the batch.
type NurtureRunner struct {
	store  *store.Store
	events *eventlog.Service
	opener browser.Opener
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	// PauseBetweenProfiles spaces the warm-ups so the batch does not look
	// like a burst. Zero means no pause.
	PauseBetweenProfiles time.Duration
}

// NewNurtureRunner builds a NurtureRunner.
func NewNurtureRunner(s *store.Store, events *eventlog.Service, opener browser.Opener, logger zerolog.Logger) *NurtureRunner {
	return &NurtureRunner{
		store:  s,
		events: events,
		opener: opener,
		logger: logger.With().Str("component", "nurture").Logger(),
		sleep:  sleepCtx,
	}
}

// Run warms every profile of the batch and records the terminal batch status.
// leaseLost aborts between profiles without touching the row.
func (n *NurtureRunner) Run(ctx context.Context, batch *store.NurtureBatch, leaseLost func() bool) error {
	if leaseLost == nil {
		leaseLost = func() bool { return false }
	}
	log := n.logger.With().Int64("batch_id", batch.ID).Logger()
	log.Info().Int("profiles", len(batch.ProfileIDs)).Msg("nurture batch started")

	ok, failed := 0, 0
	for i, profileID := range batch.ProfileIDs {
		if leaseLost() {
			return ErrLeaseLost
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && n.PauseBetweenProfiles > 0 {
			if err := n.sleep(ctx, n.PauseBetweenProfiles); err != nil {
				return err
			}
		}

		if err := n.warmProfile(ctx, profileID); err != nil {
			failed++
			log.Warn().Err(err).Str("profile_id", profileID).Msg("profile warm-up failed")
			if uerr := n.store.UpdateNurtureJob(ctx, batch.ID, profileID, store.JobFailed, err.Error()); uerr != nil {
				log.Error().Err(uerr).Msg("nurture job update failed")
			}
			continue
		}
		ok++
		if uerr := n.store.UpdateNurtureJob(ctx, batch.ID, profileID, store.JobCompleted, ""); uerr != nil {
			log.Error().Err(uerr).Msg("nurture job update failed")
		}
	}

	status := store.JobCompleted
	lastErr := ""
	if ok == 0 && failed > 0 {
		status = store.JobFailed
		lastErr = fmt.Sprintf("all %d profile warm-ups failed", failed)
	}
	if err := n.store.FinishNurtureBatch(ctx, batch.ID, status, lastErr); err != nil {
		return fmt.Errorf("nurture: finish batch %d: %w", batch.ID, err)
	}
	if _, err := n.events.Append(ctx, &store.EventLog{
		Source:       store.SourceTask,
		Action:       "sora.nurture.finish",
		Status:       statusWord(status),
		Level:        "info",
		ResourceType: "nurture_batch",
		ResourceID:   strconv.FormatInt(batch.ID, 10),
		Message:      fmt.Sprintf("warmed %d/%d profiles", ok, ok+failed),
	}); err != nil {
		log.Error().Err(err).Msg("nurture finish event failed")
	}
	log.Info().Int("ok", ok).Int("failed", failed).Str("status", status).Msg("nurture batch finished")
	return nil
}

func (n *NurtureRunner) warmProfile(ctx context.Context, profileID string) error {
	session, err := n.opener.Open(ctx, profileID)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() { _ = session.Close(context.WithoutCancel(ctx)) }()

	// A drafts poll exercises the logged-in surface; the result content is
	// irrelevant, only that the session answered.
	if _, err := session.Poll(ctx, "", "", true); err != nil {
		return fmt.Errorf("touch drafts: %w", err)
	}
	return nil
}

func statusWord(jobStatus string) string {
	if jobStatus == store.JobFailed {
		return "failed"
	}
	return "ok"
}
