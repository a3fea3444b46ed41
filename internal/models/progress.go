package models

import "time"

// DefaultPipelineSteps is the progress step total for a full pipeline run.
const DefaultPipelineSteps = 13

// ProgressUpdate is a single progress snapshot observable by pollers.
type ProgressUpdate struct {
	SessionID  string    `json:"session_id"`
	Step       int       `json:"step"`
	TotalSteps int       `json:"total_steps"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Percent is step/total in [0,100].
	Percent float64 `json:"percent"`

	// ElapsedSeconds is time since the progress session started.
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	// RemainingSeconds is the linear estimate (elapsed/step)*total-elapsed,
	// or zero when step is zero.
	RemainingSeconds float64 `json:"remaining_seconds"`

	// Complete is true once the session finished.
	Complete bool `json:"complete"`
}

// ProgressLogEntry is one line of a progress session's bounded log tail.
type ProgressLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Step      int       `json:"step"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

// ProgressStatus is the direct-poll snapshot of a progress session.
type ProgressStatus struct {
	SessionID   string             `json:"session_id"`
	Step        int                `json:"step"`
	TotalSteps  int                `json:"total_steps"`
	Message     string             `json:"message"`
	StartedAt   time.Time          `json:"started_at"`
	LastUpdate  time.Time          `json:"last_update"`
	Percent     float64            `json:"percent"`
	Complete    bool               `json:"complete"`
	LogTail     []ProgressLogEntry `json:"log_tail,omitempty"`
	QueueDepth  int                `json:"queue_depth"`
	ElapsedSecs float64            `json:"elapsed_seconds"`
}
