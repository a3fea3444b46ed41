// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

// DefaultCleanupAge is the default maximum age for orphaned temp files.
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedTempFiles removes temp files left behind by interrupted
// atomic writes anywhere under the artifact root. Only files older than
// maxAge are removed, so in-flight writes are never touched.
//
// Returns the number of files removed and any error encountered.
func CleanupOrphanedTempFiles(logger *slog.Logger, sandbox *storage.Sandbox, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var removed int

	err := sandbox.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A vanished entry mid-walk is not a failure.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !storage.IsTempFile(filepath.Base(path)) {
			return nil
		}
		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent temp file",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			return nil
		}

		if removeErr := sandbox.Remove(path); removeErr != nil {
			logger.Warn("failed to remove orphaned temp file",
				"path", path,
				"error", removeErr,
			)
			return nil
		}

		logger.Info("removed orphaned temp file",
			"path", path,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
		return nil
	})
	if err != nil {
		logger.Error("temp file sweep failed", "error", err)
		return removed, err
	}

	return removed, nil
}

// ExecutionJournal is the subset of the journal repository needed for
// restart recovery.
type ExecutionJournal interface {
	ListRunning(ctx context.Context) ([]*models.StageExecution, error)
	Save(ctx context.Context, exec *models.StageExecution) error
}

// RecoverStaleExecutions marks journal rows stuck in "running" as failed.
// This handles the case where the server crashed or was restarted while a
// pipeline run was in progress; the in-memory run state is lost on restart,
// so the rows would otherwise stay running forever.
//
// Returns the number of executions recovered and any error encountered.
func RecoverStaleExecutions(ctx context.Context, logger *slog.Logger, journal ExecutionJournal) (int, error) {
	running, err := journal.ListRunning(ctx)
	if err != nil {
		logger.Error("failed to list running executions for recovery", "error", err)
		return 0, err
	}

	var recovered int
	for _, exec := range running {
		logger.Warn("recovering stale execution",
			"execution_id", exec.ID.String(),
			"session_id", exec.SessionID,
			"stage", exec.Stage,
		)

		exec.MarkFailed(errInterrupted)
		if err := journal.Save(ctx, exec); err != nil {
			logger.Error("failed to recover stale execution",
				"execution_id", exec.ID.String(),
				"error", err,
			)
			continue
		}

		recovered++
	}

	return recovered, nil
}

// errInterrupted is the recorded failure reason for interrupted runs.
var errInterrupted = interruptedError{}

type interruptedError struct{}

func (interruptedError) Error() string { return "interrupted by server restart" }
