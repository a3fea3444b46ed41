// Package repository defines data access for the execution journal.
// All journal access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// StageExecutionRepository defines operations for execution journal rows.
type StageExecutionRepository interface {
	// Create inserts a new journal row.
	Create(ctx context.Context, exec *models.StageExecution) error
	// Save persists changes to an existing journal row.
	Save(ctx context.Context, exec *models.StageExecution) error
	// GetByID retrieves a journal row by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.StageExecution, error)
	// ListBySession retrieves all rows for a session, newest first.
	ListBySession(ctx context.Context, sessionID string) ([]*models.StageExecution, error)
	// ListRunning retrieves rows still marked running, oldest first.
	ListRunning(ctx context.Context) ([]*models.StageExecution, error)
	// ListRecent retrieves the most recently started rows across sessions.
	ListRecent(ctx context.Context, limit int) ([]*models.StageExecution, error)
	// Stats aggregates the journal into totals and an average duration.
	Stats(ctx context.Context) (*models.ExecutionStats, error)
	// DeleteOlderThan removes finished rows completed before the given time.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
