package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of an analysis session.
type SessionStatus string

const (
	// SessionActive indicates work is in progress.
	SessionActive SessionStatus = "active"
	// SessionCompleted indicates all stages finished.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed indicates an unrecoverable error was recorded.
	SessionFailed SessionStatus = "failed"
)

// Stage identifies one of the three pipeline stages.
type Stage int

const (
	// StageCollection is Stage 1: corpus collection.
	StageCollection Stage = 1
	// StageStudy is Stage 2: corpus study and expertise building.
	StageStudy Stage = 2
	// StageReport is Stage 3: final report compilation.
	StageReport Stage = 3
)

// String returns the artifact category name for the stage.
func (s Stage) String() string {
	switch s {
	case StageCollection:
		return "collection"
	case StageStudy:
		return "expertise"
	case StageReport:
		return "report"
	default:
		return fmt.Sprintf("stage-%d", int(s))
	}
}

// Valid returns true for stages 1..3.
func (s Stage) Valid() bool {
	return s >= StageCollection && s <= StageReport
}

// Artifact categories. The artifact store organizes files by category first,
// then session.
const (
	CategoryCollection = "collection"
	CategoryExpertise  = "expertise"
	CategoryReport     = "report"
	CategoryError      = "error"
	CategoryProgress   = "progress"
)

// NewSessionID generates a session identifier that sorts by creation time
// and carries a short random suffix for uniqueness.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102_150405") + "_" + suffix
}

// ArtifactTimestamp renders a timestamp in the form used by artifact file
// names, with millisecond precision.
func ArtifactTimestamp(t time.Time) string {
	return t.UTC().Format("20060102_150405") + fmt.Sprintf("_%03d", t.Nanosecond()/int(time.Millisecond))
}

// Session is the durable per-run coordination record. It is persisted as a
// JSON state file under sessions/active or sessions/completed and mirrored
// into sessions/metadata.
type Session struct {
	// SessionID is the unique, time-prefixed identifier.
	SessionID string `json:"session_id"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// LastUpdated is bumped on every state mutation.
	LastUpdated time.Time `json:"last_updated"`

	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`

	// CurrentStage is the stage currently executing, or the last stage
	// touched when idle.
	CurrentStage Stage `json:"current_stage"`

	// CompletedStages lists stages that finished successfully.
	CompletedStages []Stage `json:"completed_stages"`

	// FailedStages lists stages that recorded an unrecoverable error.
	FailedStages []Stage `json:"failed_stages"`

	// ExecutionTimes maps stage name to elapsed seconds.
	ExecutionTimes map[string]float64 `json:"execution_times"`

	// Brief is the original input brief.
	Brief Brief `json:"brief"`
}

// NewSession creates an active session for the given brief.
func NewSession(brief Brief, now time.Time) *Session {
	return &Session{
		SessionID:       NewSessionID(now),
		CreatedAt:       now,
		LastUpdated:     now,
		Status:          SessionActive,
		CompletedStages: []Stage{},
		FailedStages:    []Stage{},
		ExecutionTimes:  map[string]float64{},
		Brief:           brief,
	}
}

// Touch bumps the last-updated timestamp.
func (s *Session) Touch(now time.Time) {
	s.LastUpdated = now
}

// BeginStage records that a stage started executing.
func (s *Session) BeginStage(stage Stage, now time.Time) {
	s.CurrentStage = stage
	s.Status = SessionActive
	s.Touch(now)
}

// CompleteStage records a successful stage execution and its duration.
// A stage that previously failed is removed from the failed set.
func (s *Session) CompleteStage(stage Stage, elapsed time.Duration, now time.Time) {
	if !slices.Contains(s.CompletedStages, stage) {
		s.CompletedStages = append(s.CompletedStages, stage)
		slices.Sort(s.CompletedStages)
	}
	s.FailedStages = slices.DeleteFunc(s.FailedStages, func(f Stage) bool { return f == stage })
	if s.ExecutionTimes == nil {
		s.ExecutionTimes = map[string]float64{}
	}
	s.ExecutionTimes[stage.String()] = elapsed.Seconds()
	s.Touch(now)
}

// FailStage records an unrecoverable stage failure.
func (s *Session) FailStage(stage Stage, now time.Time) {
	if !slices.Contains(s.FailedStages, stage) {
		s.FailedStages = append(s.FailedStages, stage)
		slices.Sort(s.FailedStages)
	}
	s.Status = SessionFailed
	s.Touch(now)
}

// MarkCompleted transitions the session to completed.
func (s *Session) MarkCompleted(now time.Time) {
	s.Status = SessionCompleted
	s.Touch(now)
}

// HasCompleted returns true if the given stage finished successfully.
func (s *Session) HasCompleted(stage Stage) bool {
	return slices.Contains(s.CompletedStages, stage)
}

// LastCompletedStage returns the highest completed stage, or zero when no
// stage has completed.
func (s *Session) LastCompletedStage() Stage {
	var last Stage
	for _, stage := range s.CompletedStages {
		if stage > last {
			last = stage
		}
	}
	return last
}

// IsActive returns true while work is in progress.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Validate checks the session record for structural problems.
func (s *Session) Validate() error {
	if s.SessionID == "" {
		return ErrSessionIDRequired
	}
	switch s.Status {
	case SessionActive, SessionCompleted, SessionFailed:
	default:
		return ErrInvalidSessionStatus
	}
	for _, stage := range s.CompletedStages {
		if !stage.Valid() {
			return ErrInvalidStage
		}
	}
	for _, stage := range s.FailedStages {
		if !stage.Valid() {
			return ErrInvalidStage
		}
	}
	return nil
}
