// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package browser defines the session boundary to the external
// browser-manager. The runner only ever sees this interface; DOM and script
// details stay behind the implementations.
package browser

import "context"

// SubmitSpec is the intent handed to a session's submit call.
type SubmitSpec struct {
	Prompt      string
	ImageURL    string
	Duration    string
	AspectRatio string
}

// SubmitResult carries the upstream identifiers returned for one submission.
type SubmitResult struct {
	TaskID      string
	AccessToken string
}

// PollResult is one observation of a running generation task.
type PollResult struct {
	State        string
	Progress     *int
	GenerationID string
	Error        string

	// PublishURL is filled from the draft record when wantDrafts was set and
	// the draft is already published.
	PublishURL string

	// CFChallenge marks an anti-bot challenge response. The caller decides
	// whether to fail over transports or fail the phase.
	CFChallenge bool

	// Live quota observation, present when the response exposed it.
	QuotaRemaining *int
	QuotaTotal     *int
	QuotaResetAt   *int64
	PlanType       string
}

// PublishResult is the outcome of one publish attempt.
type PublishResult struct {
	PublishURL string
	PostID     string
	Permalink  string
	ErrorCode  string
	ErrorMsg   string
}

// Session is one open browser window on a profile. Sessions are not shared
// across jobs; the owning job closes what it opened.
type Session interface {
	ProfileID() string
	Submit(ctx context.Context, spec SubmitSpec) (*SubmitResult, error)
	Poll(ctx context.Context, taskID, accessToken string, wantDrafts bool) (*PollResult, error)
	Publish(ctx context.Context, generationID, caption string) (*PublishResult, error)
	Close(ctx context.Context) error
}

// Opener hands out sessions.
type Opener interface {
	Open(ctx context.Context, profileID string) (Session, error)
}

// Profile is one browser-manager profile as the driver lists it.
type Profile struct {
	ID         string
	Name       string
	GroupTitle string
}

// Lister enumerates profiles, optionally restricted to a group. An empty
// groupTitle means all groups.
type Lister interface {
	ListProfiles(ctx context.Context, groupTitle string) ([]Profile, error)
}
