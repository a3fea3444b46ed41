package startup

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCleanupOrphanedTempFiles(t *testing.T) {
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	// An old orphaned temp file, a fresh temp file, and a regular file.
	require.NoError(t, sandbox.WriteFile("sessions/active/.s1.json.a1b2c3d4.tmp", []byte(`{}`)))
	require.NoError(t, sandbox.WriteFile("sessions/active/.s2.json.ffffffff.tmp", []byte(`{}`)))
	require.NoError(t, sandbox.WriteFile("sessions/active/s3.json", []byte(`{}`)))

	oldPath, err := sandbox.ResolvePath("sessions/active/.s1.json.a1b2c3d4.tmp")
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	removed, err := CleanupOrphanedTempFiles(testLogger(), sandbox, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := sandbox.Exists("sessions/active/.s1.json.a1b2c3d4.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "old temp file should be removed")

	exists, err = sandbox.Exists("sessions/active/.s2.json.ffffffff.tmp")
	require.NoError(t, err)
	assert.True(t, exists, "recent temp file should be preserved")

	exists, err = sandbox.Exists("sessions/active/s3.json")
	require.NoError(t, err)
	assert.True(t, exists, "regular file should be untouched")
}

func TestCleanupOrphanedTempFiles_EmptyRoot(t *testing.T) {
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	removed, err := CleanupOrphanedTempFiles(testLogger(), sandbox, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

type fakeJournal struct {
	running []*models.StageExecution
	saved   []*models.StageExecution
}

func (f *fakeJournal) ListRunning(ctx context.Context) ([]*models.StageExecution, error) {
	return f.running, nil
}

func (f *fakeJournal) Save(ctx context.Context, exec *models.StageExecution) error {
	f.saved = append(f.saved, exec)
	return nil
}

func TestRecoverStaleExecutions(t *testing.T) {
	journal := &fakeJournal{
		running: []*models.StageExecution{
			models.NewStageExecution("20260102_123045_abcd1234", 1),
			models.NewStageExecution("20260102_123045_abcd1234", 2),
		},
	}

	recovered, err := RecoverStaleExecutions(context.Background(), testLogger(), journal)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	require.Len(t, journal.saved, 2)
	for _, exec := range journal.saved {
		assert.Equal(t, models.ExecutionFailed, exec.Status)
		assert.Equal(t, "interrupted by server restart", exec.Error)
	}
}

func TestRecoverStaleExecutions_NoneRunning(t *testing.T) {
	journal := &fakeJournal{}

	recovered, err := RecoverStaleExecutions(context.Background(), testLogger(), journal)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Empty(t, journal.saved)
}
