package models

import (
	"gorm.io/gorm"
)

// ExecutionStatus represents the terminal state of a recorded run.
type ExecutionStatus string

const (
	// ExecutionRunning indicates the run is in progress.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted indicates the run finished successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed indicates the run errored.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled indicates the run was cancelled.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StageExecution is one journal row per stage (or full-pipeline) run. The
// journal survives restarts and backs the orchestrator's stats view.
type StageExecution struct {
	BaseModel

	// SessionID is the analysis session this execution belongs to.
	SessionID string `gorm:"not null;size:64;index" json:"session_id"`

	// Stage is 1..3 for standalone stages, 0 for a full-pipeline record.
	Stage int `gorm:"not null;index" json:"stage"`

	// Status is the current or terminal status.
	Status ExecutionStatus `gorm:"not null;default:'running';size:20;index" json:"status"`

	// StartedAt is when execution began.
	StartedAt *Time `gorm:"index" json:"started_at,omitempty"`

	// CompletedAt is when execution reached a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty"`

	// DurationMs is the execution duration in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error contains the failure message for failed runs.
	Error string `gorm:"size:4096" json:"error,omitempty"`
}

// TableName returns the table name for StageExecution.
func (StageExecution) TableName() string {
	return "stage_executions"
}

// NewStageExecution creates a running journal row.
func NewStageExecution(sessionID string, stage int) *StageExecution {
	now := Now()
	return &StageExecution{
		SessionID: sessionID,
		Stage:     stage,
		Status:    ExecutionRunning,
		StartedAt: &now,
	}
}

// IsFinished returns true once the execution reached a terminal status.
func (e *StageExecution) IsFinished() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed || e.Status == ExecutionCancelled
}

// MarkCompleted marks the execution as finished successfully.
func (e *StageExecution) MarkCompleted() {
	e.finish(ExecutionCompleted)
}

// MarkFailed marks the execution as failed with an error message.
func (e *StageExecution) MarkFailed(err error) {
	e.finish(ExecutionFailed)
	if err != nil {
		e.Error = err.Error()
	}
}

// MarkCancelled marks the execution as cancelled.
func (e *StageExecution) MarkCancelled() {
	e.finish(ExecutionCancelled)
}

func (e *StageExecution) finish(status ExecutionStatus) {
	e.Status = status
	now := Now()
	e.CompletedAt = &now
	if e.StartedAt != nil {
		e.DurationMs = now.Sub(*e.StartedAt).Milliseconds()
	}
}

// Validate performs basic validation on the execution record.
func (e *StageExecution) Validate() error {
	if e.SessionID == "" {
		return ErrSessionIDRequired
	}
	if e.Stage < 0 || e.Stage > int(StageReport) {
		return ErrInvalidStage
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record and generates a ULID.
func (e *StageExecution) BeforeCreate(tx *gorm.DB) error {
	if err := e.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return e.Validate()
}

// BeforeUpdate is a GORM hook that validates the record before update.
func (e *StageExecution) BeforeUpdate(tx *gorm.DB) error {
	return e.Validate()
}

// ExecutionStats is the aggregate view the orchestrator exposes.
type ExecutionStats struct {
	Total             int64   `json:"total"`
	Successful        int64   `json:"successful"`
	Failed            int64   `json:"failed"`
	LastExecutionAt   *Time   `json:"last_execution_at,omitempty"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}
