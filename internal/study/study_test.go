package study

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/ai"
	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

type genCall struct {
	prompt        string
	live          bool
	searchContext string
	maxIterations int
}

// scriptedGen replaces the AI adapter with a scripted responder.
type scriptedGen struct {
	mu      sync.Mutex
	calls   []genCall
	respond func(prompt string, live bool) (string, error)
}

func (g *scriptedGen) GenerateText(_ context.Context, prompt string, _ ai.Options) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, genCall{prompt: prompt})
	g.mu.Unlock()
	return g.respond(prompt, false)
}

func (g *scriptedGen) GenerateWithActiveSearch(_ context.Context, prompt, searchContext string, _ ai.Options, maxIterations int) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, genCall{prompt: prompt, live: true, searchContext: searchContext, maxIterations: maxIterations})
	g.mu.Unlock()
	return g.respond(prompt, true)
}

func (g *scriptedGen) liveCalls() []genCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []genCall
	for _, c := range g.calls {
		if c.live {
			out = append(out, c)
		}
	}
	return out
}

const (
	patternsJSON = `[{"kind":"temporal","name":"Seasonal demand","description":"spikes around Q4","confidence":0.9},` +
		`{"kind":"engagement","name":"High engagement","description":"strong community pull","confidence":0.7}]`
	patternsDeepenJSON = `[{"kind":"viral","name":"Viral loops","description":"referral-driven growth","confidence":0.6},` +
		`{"kind":"temporal","name":"Seasonal demand","description":"already known","confidence":0.9}]`
	synthesesJSON       = `[{"insight":"Subscriptions are sticky"},{"insight":"Pods drive margin"}]`
	synthesesDeepenJSON = `[{"insight":"Channel mix shifts direct"}]`
	modelsJSON          = `[{"name":"trend","projection":"steady growth","horizon":"12 months"},{"name":"engagement","projection":"community deepens"}]`
	modelsDeepenJSON    = `[{"name":"viral","projection":"referral loops compound"},{"name":"weather","projection":"not a known model"}]`
)

// studyResponder plays a full cooperative study, dispatching on prompt
// markers so deepening iterations exercise the merge paths.
func studyResponder(prompt string, _ bool) (string, error) {
	switch {
	case strings.Contains(prompt, "Absorb the collected corpus"):
		return "## Overview\n\nThe corpus covers the segment broadly.", nil
	case strings.Contains(prompt, "Identify recurring patterns"):
		return patternsJSON, nil
	case strings.Contains(prompt, "Extend your pattern analysis"):
		return patternsDeepenJSON, nil
	case strings.Contains(prompt, "Merge the identified patterns"):
		return synthesesJSON, nil
	case strings.Contains(prompt, "Deepen the expert conclusions"):
		return synthesesDeepenJSON, nil
	case strings.Contains(prompt, "named predictive models"):
		return modelsJSON, nil
	case strings.Contains(prompt, "missing named models"):
		return modelsDeepenJSON, nil
	case strings.Contains(prompt, "executive summary"):
		return "## Executive Summary\n\nA focused launch is viable.", nil
	default:
		return "Additional depth on the earlier analysis.", nil
	}
}

func discardStudyLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStudyOrchestrator(t *testing.T, aiCfg config.AIConfig, respond func(string, bool) (string, error)) (*Orchestrator, *artifact.Store, *progressfabric.Fabric, *scriptedGen) {
	t.Helper()
	logger := discardStudyLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	store := artifact.NewStore(sandbox, logger)
	fabric := progressfabric.NewFabric(config.ProgressConfig{CleanupMinutes: 10}, logger, metrics)

	gen := &scriptedGen{respond: respond}
	o := NewOrchestrator(store, fabric, nil, config.StudyConfig{MinutesDefault: 5}, aiCfg, logger)
	o.ai = gen
	return o, store, fabric, gen
}

func studyCorpus(sessionID string) *models.MassiveCorpus {
	brief := models.Brief{
		Segment:   "specialty coffee subscriptions",
		Product:   "single-origin pod sampler",
		Audience:  "urban remote workers",
		Objective: "plan a US launch",
	}
	corpus := models.NewMassiveCorpus(sessionID, brief)
	corpus.Streams[models.StreamWeb].Provider = "jina-read"
	corpus.Streams[models.StreamWeb].Variants["coffee subscriptions"] = []models.SearchItem{
		{Title: "Subscription coffee grows", URL: "https://a.example/1", Snippet: "the category keeps expanding", Source: "jina-read"},
		{Title: "Pods under fire", URL: "https://a.example/2", Snippet: "sustainability pushback", Source: "jina-read"},
	}
	corpus.Streams[models.StreamSocial].Provider = "supadata"
	corpus.Streams[models.StreamSocial].Variants["coffee sentiment"] = []models.SearchItem{
		{Title: "Forum thread", URL: "https://b.example/3", Content: "people love single origin pods", Source: "supadata"},
	}
	corpus.Streams[models.StreamMarket].Variants["synthetic_expansion"] = []models.SearchItem{
		{Title: "Synthetic analysis block 1", Content: strings.Repeat("padding ", 40), Source: "synthetic", Synthetic: true},
	}
	corpus.Metadata.SizeBytes = corpus.ByteSize()
	return corpus
}

func studyErrorArtifacts(t *testing.T, store *artifact.Store, sessionID string) []string {
	t.Helper()
	dir := filepath.Join("errors", sessionID)
	exists, err := store.Sandbox().Exists(dir)
	require.NoError(t, err)
	if !exists {
		return nil
	}
	entries, err := store.Sandbox().List(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func hasPrefixIn(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}

func TestStudy_FullSchedule(t *testing.T) {
	o, store, fabric, gen := newStudyOrchestrator(t, config.AIConfig{}, studyResponder)

	const sid = "sess-study-full"
	fabric.StartSession(sid, models.DefaultPipelineSteps)

	corpus := studyCorpus(sid)
	expertise, err := o.Study(context.Background(), sid, corpus, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, expertise)

	assert.Equal(t, models.AllStudyPhases(), expertise.Study.PhasesCompleted)
	assert.Equal(t, 10, expertise.Study.BudgetMinutes)
	assert.Equal(t, 1.0, expertise.Study.EfficiencyScore)
	assert.Greater(t, expertise.Study.CorpusSyntheticShare, 0.0)
	assert.Less(t, expertise.Study.CorpusSyntheticShare, 1.0)

	// Deepening iterations merged without duplicating by name.
	require.Len(t, expertise.Patterns, 3)
	assert.Equal(t, "Seasonal demand", expertise.Patterns[0].Name)
	assert.Equal(t, "Viral loops", expertise.Patterns[2].Name)
	require.Len(t, expertise.Syntheses, 3)
	assert.Equal(t, "Channel mix shifts direct", expertise.Syntheses[2].Insight)
	require.Len(t, expertise.Models, 3)
	assert.Equal(t, []string{"trend", "engagement", "viral"},
		[]string{expertise.Models[0].Name, expertise.Models[1].Name, expertise.Models[2].Name})

	assert.Greater(t, expertise.ExpertiseLevel, 0.0)
	assert.LessOrEqual(t, expertise.ExpertiseLevel, 100.0)
	assert.Greater(t, expertise.Confidence, 0.0)
	assert.LessOrEqual(t, expertise.Confidence, 1.0)
	assert.Equal(t, corpus.Metadata.SizeBytes, expertise.VolumeProcessed)

	// A ten minute budget gives every phase room for the full iteration cap.
	assert.Len(t, gen.calls, 15, "3 calls per phase")
	assert.Empty(t, gen.liveCalls(), "live search disabled")

	// Durable outputs: the expertise artifact, phase checkpoints, and the
	// report modules the phases feed.
	var persisted models.ExpertiseArtifact
	require.NoError(t, store.LoadStageJSON(sid, "expertise", &persisted))
	assert.Equal(t, expertise.ExpertiseLevel, persisted.ExpertiseLevel)
	assert.Equal(t, expertise.Study.PhasesCompleted, persisted.Study.PhasesCompleted)

	_, err = store.LoadStage(sid, "phase_absorption")
	require.NoError(t, err)
	_, err = store.LoadStage(sid, "phase_consolidation")
	require.NoError(t, err)

	overview, markdown, err := store.LoadModule(sid, "market_overview")
	require.NoError(t, err)
	assert.True(t, markdown)
	assert.Contains(t, string(overview), "# Market Overview")

	_, markdown, err = store.LoadModule(sid, "study_metrics")
	require.NoError(t, err)
	assert.False(t, markdown, "metrics module is JSON")

	protocol, _, err := store.LoadModule(sid, "protocol_consolidation")
	require.NoError(t, err)
	assert.Contains(t, string(protocol), "Adapter calls: 3")

	updates, err := fabric.DrainUpdates(sid, 0)
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].Step, updates[i-1].Step)
	}
	assert.Equal(t, StepCount, updates[len(updates)-1].Step)
}

func TestStudy_LiveSearchRoutesSynthesisThroughToolLoop(t *testing.T) {
	aiCfg := config.AIConfig{EnableLiveSearch: true, MaxToolIterations: 4}
	o, _, fabric, gen := newStudyOrchestrator(t, aiCfg, studyResponder)

	const sid = "sess-study-live"
	fabric.StartSession(sid, models.DefaultPipelineSteps)

	_, err := o.Study(context.Background(), sid, studyCorpus(sid), 2, 0)
	require.NoError(t, err)

	live := gen.liveCalls()
	require.NotEmpty(t, live, "insight synthesis goes through the tool loop")
	for _, c := range live {
		assert.Equal(t, 4, c.maxIterations)
		assert.Contains(t, c.searchContext, "Corpus:")
		synthesis := strings.Contains(c.prompt, "Merge the identified patterns") ||
			strings.Contains(c.prompt, "Deepen the expert conclusions")
		assert.True(t, synthesis, "only the synthesis phase searches live, got %q", c.prompt)
	}
}

func TestStudy_PhaseFailureSkipsPhase(t *testing.T) {
	respond := func(prompt string, live bool) (string, error) {
		if strings.Contains(prompt, "Absorb the collected corpus") {
			return "", core.Errorf(core.KindNoProviderAvailable, "ai.generate", "no AI provider configured")
		}
		return studyResponder(prompt, live)
	}
	o, store, fabric, _ := newStudyOrchestrator(t, config.AIConfig{}, respond)

	const sid = "sess-study-partial"
	fabric.StartSession(sid, models.DefaultPipelineSteps)

	expertise, err := o.Study(context.Background(), sid, studyCorpus(sid), 2, 0)
	require.NoError(t, err, "remaining phases carry the study")
	require.NotNil(t, expertise)

	assert.Equal(t, []models.StudyPhase{
		models.PhasePatterns, models.PhaseSynthesis,
		models.PhasePredictive, models.PhaseConsolidation,
	}, expertise.Study.PhasesCompleted)
	assert.Greater(t, expertise.ExpertiseLevel, 0.0)

	names := studyErrorArtifacts(t, store, sid)
	assert.True(t, hasPrefixIn(names, "ERR_phase_absorption_failed"), "got %v", names)

	_, _, err = store.LoadModule(sid, "market_overview")
	assert.ErrorIs(t, err, models.ErrArtifactNotFound, "failed phase writes no module")
	_, _, err = store.LoadModule(sid, "pattern_recognition")
	assert.NoError(t, err)
}

func TestStudy_DeepeningFailureKeepsEarlierOutput(t *testing.T) {
	respond := func(prompt string, live bool) (string, error) {
		if strings.Contains(prompt, "Extend your pattern analysis") {
			return "", core.Errorf(core.KindProviderTransient, "ai.generate", "flaky provider")
		}
		return studyResponder(prompt, live)
	}
	o, store, fabric, _ := newStudyOrchestrator(t, config.AIConfig{}, respond)

	const sid = "sess-study-deepen-fail"
	fabric.StartSession(sid, models.DefaultPipelineSteps)

	expertise, err := o.Study(context.Background(), sid, studyCorpus(sid), 2, 0)
	require.NoError(t, err)

	assert.Contains(t, expertise.Study.PhasesCompleted, models.PhasePatterns)
	assert.Len(t, expertise.Patterns, 2, "first iteration's patterns survive")

	names := studyErrorArtifacts(t, store, sid)
	assert.False(t, hasPrefixIn(names, "ERR_phase_pattern_analysis_failed"),
		"a failed deepening call does not fail the phase, got %v", names)
}

func TestStudy_AllPhasesFailed(t *testing.T) {
	respond := func(string, bool) (string, error) {
		return "", core.Errorf(core.KindNoProviderAvailable, "ai.generate", "no AI provider configured")
	}
	o, store, fabric, gen := newStudyOrchestrator(t, config.AIConfig{}, respond)

	const sid = "sess-study-all-failed"
	fabric.StartSession(sid, models.DefaultPipelineSteps)

	expertise, err := o.Study(context.Background(), sid, studyCorpus(sid), 2, 0)
	require.Error(t, err)
	assert.Nil(t, expertise)
	assert.True(t, core.IsKind(err, core.KindNoProviderAvailable), "got %v", err)

	assert.Len(t, gen.calls, 5, "one failing call per phase, no deepening")

	_, loadErr := store.LoadStage(sid, "expertise")
	assert.ErrorIs(t, loadErr, models.ErrArtifactNotFound)

	names := studyErrorArtifacts(t, store, sid)
	assert.True(t, hasPrefixIn(names, "ERR_study_failed"), "got %v", names)
	assert.True(t, hasPrefixIn(names, "ERR_phase_consolidation_failed"), "got %v", names)
}

func TestStudy_CancelledBeforeStart(t *testing.T) {
	o, store, fabric, gen := newStudyOrchestrator(t, config.AIConfig{}, studyResponder)

	const sid = "sess-study-cancel"
	fabric.StartSession(sid, models.DefaultPipelineSteps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	expertise, err := o.Study(ctx, sid, studyCorpus(sid), 2, 0)
	require.Error(t, err)
	assert.Nil(t, expertise)
	assert.True(t, core.IsKind(err, core.KindCancelled), "got %v", err)
	assert.Empty(t, gen.calls)

	_, loadErr := store.LoadStage(sid, "expertise")
	assert.ErrorIs(t, loadErr, models.ErrArtifactNotFound)
}

func TestStudy_NilCorpus(t *testing.T) {
	o, _, _, _ := newStudyOrchestrator(t, config.AIConfig{}, studyResponder)

	_, err := o.Study(context.Background(), "sess-study-nil", nil, 2, 0)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindStageInputMissing), "got %v", err)
}

func TestStudy_ClampsBudget(t *testing.T) {
	cases := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: 5},
		{requested: 1, want: 2},
		{requested: 99, want: 10},
	}
	for _, tc := range cases {
		o, _, fabric, _ := newStudyOrchestrator(t, config.AIConfig{}, studyResponder)
		sid := "sess-clamp"
		fabric.StartSession(sid, models.DefaultPipelineSteps)

		expertise, err := o.Study(context.Background(), sid, studyCorpus(sid), tc.requested, 0)
		require.NoError(t, err, "requested %d", tc.requested)
		assert.Equal(t, tc.want, expertise.Study.BudgetMinutes, "requested %d", tc.requested)
	}
}

// The constructor's adapter must keep satisfying the generator seam the
// tests script against.
var _ generator = (*ai.Adapter)(nil)
