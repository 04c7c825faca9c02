// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"

	"github.com/ManuGH/sorad/internal/store"
)

// jobView is the API shape of a job row.
type jobView struct {
	ID           int64  `json:"id"`
	RootJobID    *int64 `json:"root_job_id,omitempty"`
	RetryOfJobID *int64 `json:"retry_of_job_id,omitempty"`
	RetryIndex   int    `json:"retry_index"`

	Prompt      string  `json:"prompt"`
	ImageURL    *string `json:"image_url,omitempty"`
	Duration    string  `json:"duration"`
	AspectRatio string  `json:"aspect_ratio"`
	GroupTitle  string  `json:"group_title,omitempty"`
	Operator    string  `json:"operator,omitempty"`

	ProfileID *string `json:"profile_id,omitempty"`

	Status      string `json:"status"`
	Phase       string `json:"phase"`
	ProgressPct int    `json:"progress_pct"`

	TaskID           *string `json:"task_id,omitempty"`
	GenerationID     *string `json:"generation_id,omitempty"`
	PublishURL       *string `json:"publish_url,omitempty"`
	PublishPostID    *string `json:"publish_post_id,omitempty"`
	PublishPermalink *string `json:"publish_permalink,omitempty"`

	DispatchMode   *string  `json:"dispatch_mode,omitempty"`
	DispatchScore  *float64 `json:"dispatch_score,omitempty"`
	DispatchReason *string  `json:"dispatch_reason,omitempty"`

	RunAttempt   int     `json:"run_attempt"`
	RunLastError *string `json:"run_last_error,omitempty"`

	WatermarkStatus string  `json:"watermark_status"`
	WatermarkURL    *string `json:"watermark_url,omitempty"`
	WatermarkError  *string `json:"watermark_error,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

func toJobView(j *store.Job) jobView {
	return jobView{
		ID:           j.ID,
		RootJobID:    j.RootJobID,
		RetryOfJobID: j.RetryOfJobID,
		RetryIndex:   j.RetryIndex,

		Prompt:      j.Prompt,
		ImageURL:    j.ImageURL,
		Duration:    j.Duration,
		AspectRatio: j.AspectRatio,
		GroupTitle:  j.GroupTitle,
		Operator:    j.Operator,

		ProfileID: j.ProfileID,

		Status:      j.Status,
		Phase:       j.Phase,
		ProgressPct: j.ProgressPct,

		TaskID:           j.TaskID,
		GenerationID:     j.GenerationID,
		PublishURL:       j.PublishURL,
		PublishPostID:    j.PublishPostID,
		PublishPermalink: j.PublishPermalink,

		DispatchMode:   j.DispatchMode,
		DispatchScore:  j.DispatchScore,
		DispatchReason: j.DispatchReason,

		RunAttempt:   j.RunAttempt,
		RunLastError: j.RunLastError,

		WatermarkStatus: j.WatermarkStatus,
		WatermarkURL:    j.WatermarkURL,
		WatermarkError:  j.WatermarkError,

		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func toJobViews(jobs []*store.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	return out
}

// batchView is the API shape of a nurture batch.
type batchView struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	GroupTitle   string   `json:"group_title,omitempty"`
	Operator     string   `json:"operator,omitempty"`
	ProfileIDs   []string `json:"profile_ids"`
	Status       string   `json:"status"`
	RunAttempt   int      `json:"run_attempt"`
	RunLastError *string  `json:"run_last_error,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

func toBatchView(b *store.NurtureBatch) batchView {
	return batchView{
		ID:           b.ID,
		Title:        b.Title,
		GroupTitle:   b.GroupTitle,
		Operator:     b.Operator,
		ProfileIDs:   b.ProfileIDs,
		Status:       b.Status,
		RunAttempt:   b.RunAttempt,
		RunLastError: b.RunLastError,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

// nurtureJobView is the API shape of one profile slot in a batch.
type nurtureJobView struct {
	ID        int64   `json:"id"`
	BatchID   int64   `json:"batch_id"`
	ProfileID string  `json:"profile_id"`
	Status    string  `json:"status"`
	Message   *string `json:"message,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

func toNurtureJobViews(jobs []*store.NurtureJob) []nurtureJobView {
	out := make([]nurtureJobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, nurtureJobView{
			ID:        j.ID,
			BatchID:   j.BatchID,
			ProfileID: j.ProfileID,
			Status:    j.Status,
			Message:   j.Message,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
	return out
}

// eventView is the API shape of one event log row. Metadata passes through as
// raw JSON when present.
type eventView struct {
	ID        int64  `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Source    string `json:"source"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Level     string `json:"level"`

	Event   string `json:"event,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`

	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	IsSlow     bool   `json:"is_slow,omitempty"`

	Operator     string `json:"operator,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	ErrorType string          `json:"error_type,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func toEventView(e *store.EventLog) eventView {
	v := eventView{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		Source:    e.Source,
		Action:    e.Action,
		Status:    e.Status,
		Level:     e.Level,

		Event:   e.Event,
		Phase:   e.Phase,
		Message: e.Message,

		TraceID:   e.TraceID,
		RequestID: e.RequestID,

		Method:     e.Method,
		Path:       e.Path,
		StatusCode: e.StatusCode,
		DurationMS: e.DurationMS,
		IsSlow:     e.IsSlow,

		Operator:     e.Operator,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,

		ErrorType: e.ErrorType,
		ErrorCode: e.ErrorCode,
	}
	if e.Metadata != "" && json.Valid([]byte(e.Metadata)) {
		v.Metadata = json.RawMessage(e.Metadata)
	}
	return v
}

func toEventViews(events []*store.EventLog) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, toEventView(e))
	}
	return out
}
