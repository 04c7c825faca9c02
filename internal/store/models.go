// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

// Job statuses. Completed, failed and canceled are terminal.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

// Job phases in state-machine order.
const (
	PhaseQueue     = "queue"
	PhaseSubmit    = "submit"
	PhaseProgress  = "progress"
	PhasePublish   = "publish"
	PhaseWatermark = "watermark"
	PhaseDone      = "done"
)

// Watermark statuses.
const (
	WatermarkQueued    = "queued"
	WatermarkRunning   = "running"
	WatermarkCompleted = "completed"
	WatermarkFailed    = "failed"
	WatermarkSkipped   = "skipped"
)

// Durations and aspect ratios accepted at job creation.
var (
	ValidDurations    = []string{"10s", "15s", "25s"}
	ValidAspectRatios = []string{"landscape", "portrait"}
)

// IsTerminalStatus reports whether status permits no further transition.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Job is one request to produce a video, persisted in sora_jobs.
type Job struct {
	ID           int64
	RootJobID    *int64
	RetryOfJobID *int64
	RetryIndex   int

	Prompt      string
	ImageURL    *string
	Duration    string
	AspectRatio string
	GroupTitle  string
	Operator    string

	ProfileID *string

	Status      string
	Phase       string
	ProgressPct int

	TaskID           *string
	GenerationID     *string
	PublishURL       *string
	PublishPostID    *string
	PublishPermalink *string

	DispatchMode          *string
	DispatchScore         *float64
	DispatchQuantityScore *float64
	DispatchQualityScore  *float64
	DispatchReason        *string

	LeaseOwner   *string
	LeaseUntil   *int64
	HeartbeatAt  *int64
	RunAttempt   int
	RunLastError *string

	WatermarkStatus   string
	WatermarkURL      *string
	WatermarkError    *string
	WatermarkAttempts int

	CreatedAt int64
	UpdatedAt int64
}

// ChainRootID returns the id anchoring this job's retry chain.
func (j *Job) ChainRootID() int64 {
	if j.RootJobID != nil {
		return *j.RootJobID
	}
	return j.ID
}

// JobSpec carries the caller intent for CreateJob.
type JobSpec struct {
	Prompt      string
	ImageURL    *string
	Duration    string
	AspectRatio string
	GroupTitle  string
	Operator    string
	ProfileID   *string

	// Retry chaining. Zero values mean an original submission.
	RootJobID    *int64
	RetryOfJobID *int64
	RetryIndex   int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status     string
	Phase      string
	ProfileID  string
	GroupTitle string
	Keyword    string
	Limit      int
}

// NurtureBatch is the coarse "warm up profiles" workload. It shares the lease
// protocol with jobs.
type NurtureBatch struct {
	ID           int64
	Title        string
	GroupTitle   string
	Operator     string
	ProfileIDs   []string
	Status       string
	LeaseOwner   *string
	LeaseUntil   *int64
	HeartbeatAt  *int64
	RunAttempt   int
	RunLastError *string
	CreatedAt    int64
	UpdatedAt    int64
}

// NurtureJob is one profile's slot inside a batch.
type NurtureJob struct {
	ID        int64
	BatchID   int64
	ProfileID string
	Status    string
	Message   *string
	CreatedAt int64
	UpdatedAt int64
}

// User is an operator account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    int64
}

// ScanRun records one session scan sweep.
type ScanRun struct {
	ID           int64
	RunUID       string
	GroupTitle   string
	TriggerKind  string
	Status       string
	ProfileCount int
	OKCount      int
	FailCount    int
	StartedAt    int64
	FinishedAt   *int64
}

// Scan trigger kinds.
const (
	ScanTriggerManual    = "manual"
	ScanTriggerScheduled = "scheduled"
	ScanTriggerRecovery  = "recovery"
)

// ScanResult is one profile's state captured during a scan, or a live
// observation upserted by a running job.
type ScanResult struct {
	ID             int64
	RunID          int64
	ProfileID      string
	ProfileName    string
	GroupTitle     string
	SessionStatus  string
	RemainingCount *int
	TotalCount     *int
	ResetAt        *int64
	PlanType       string
	CooldownUntil  *int64
	Error          *string
	ScannedAt      int64
}

// Plan types reported by session scans.
const (
	PlanFree       = "free"
	PlanPlus       = "plus"
	PlanPro        = "pro"
	PlanChatGPTPro = "chatgpt_pro"
	PlanUnknown    = "unknown"
)

// Proxy is a registered outbound proxy.
type Proxy struct {
	ID        int64
	URL       string
	Label     string
	Disabled  bool
	CreatedAt int64
}

// Proxy event kinds recorded in proxy_cf_events.
const (
	ProxyEventRequest   = "request"
	ProxyEventChallenge = "challenge"
)
