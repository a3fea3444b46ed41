package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"gorm.io/gorm"
)

// stageExecutionRepo implements StageExecutionRepository using GORM.
type stageExecutionRepo struct {
	db *gorm.DB
}

// NewStageExecutionRepository creates a new StageExecutionRepository.
func NewStageExecutionRepository(db *gorm.DB) *stageExecutionRepo {
	return &stageExecutionRepo{db: db}
}

// Create inserts a new journal row.
func (r *stageExecutionRepo) Create(ctx context.Context, exec *models.StageExecution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// Save persists changes to an existing journal row.
func (r *stageExecutionRepo) Save(ctx context.Context, exec *models.StageExecution) error {
	if err := r.db.WithContext(ctx).Save(exec).Error; err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	return nil
}

// GetByID retrieves a journal row by ID. Returns nil when no row exists.
func (r *stageExecutionRepo) GetByID(ctx context.Context, id models.ULID) (*models.StageExecution, error) {
	var exec models.StageExecution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&exec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting execution by ID: %w", err)
	}
	return &exec, nil
}

// ListBySession retrieves all rows for a session, newest first.
func (r *stageExecutionRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.StageExecution, error) {
	var execs []*models.StageExecution
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at DESC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions by session: %w", err)
	}
	return execs, nil
}

// ListRunning retrieves rows still marked running, oldest first.
func (r *stageExecutionRepo) ListRunning(ctx context.Context) ([]*models.StageExecution, error) {
	var execs []*models.StageExecution
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.ExecutionRunning).
		Order("started_at ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing running executions: %w", err)
	}
	return execs, nil
}

// ListRecent retrieves the most recently started rows across sessions.
func (r *stageExecutionRepo) ListRecent(ctx context.Context, limit int) ([]*models.StageExecution, error) {
	var execs []*models.StageExecution
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing recent executions: %w", err)
	}
	return execs, nil
}

// Stats aggregates the journal into totals and an average duration over
// successful runs.
func (r *stageExecutionRepo) Stats(ctx context.Context) (*models.ExecutionStats, error) {
	var stats models.ExecutionStats

	model := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&models.StageExecution{})
	}

	if err := model().Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}
	if err := model().Where("status = ?", models.ExecutionCompleted).Count(&stats.Successful).Error; err != nil {
		return nil, fmt.Errorf("counting successful executions: %w", err)
	}
	if err := model().Where("status = ?", models.ExecutionFailed).Count(&stats.Failed).Error; err != nil {
		return nil, fmt.Errorf("counting failed executions: %w", err)
	}

	if err := model().
		Where("status = ?", models.ExecutionCompleted).
		Select("COALESCE(AVG(duration_ms), 0)").
		Scan(&stats.AverageDurationMs).Error; err != nil {
		return nil, fmt.Errorf("averaging execution durations: %w", err)
	}

	var last models.StageExecution
	err := r.db.WithContext(ctx).Order("started_at DESC").First(&last).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		// Empty journal, leave LastExecutionAt nil.
	case err != nil:
		return nil, fmt.Errorf("getting last execution: %w", err)
	default:
		stats.LastExecutionAt = last.StartedAt
	}

	return &stats, nil
}

// DeleteOlderThan removes finished rows completed before the given time.
// Running rows are never touched; restart recovery handles those.
func (r *stageExecutionRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN (?, ?, ?) AND completed_at < ?",
			models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled, before).
		Delete(&models.StageExecution{})

	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure stageExecutionRepo implements StageExecutionRepository at compile time.
var _ StageExecutionRepository = (*stageExecutionRepo)(nil)
