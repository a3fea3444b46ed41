package buildexpertise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
)

func newTestState(t *testing.T) *core.State {
	t.Helper()
	sess := models.NewSession(models.Brief{
		Segment: "specialty coffee",
		Product: "subscription roaster",
	}, time.Now())
	return core.NewState(sess)
}

func TestStage_Execute_NoCorpusError(t *testing.T) {
	t.Run("returns error when corpus is missing", func(t *testing.T) {
		state := newTestState(t)
		state.Corpus = nil

		stage := New(nil, 0, nil) // No orchestrator needed since we error before using it
		_, err := stage.Execute(context.Background(), state)

		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindStageInputMissing))
		assert.ErrorIs(t, err, core.ErrStageOutOfOrder)
	})
}

func TestStage_Interface(t *testing.T) {
	stage := New(nil, 0, nil)
	assert.Equal(t, StageID, stage.ID())
	assert.Equal(t, StageName, stage.Name())
}
