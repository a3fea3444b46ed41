package study

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
)

func fullScoreInput() scoreInput {
	patterns := make([]models.Pattern, patternReference)
	for i := range patterns {
		patterns[i] = models.Pattern{Name: "p", Confidence: 1}
	}
	return scoreInput{
		digest:   corpusDigest{RealBytes: volumeReference, TotalBytes: volumeReference},
		patterns: patterns,
		syntheses: []models.Synthesis{
			{Insight: strings.Repeat("x", depthReference)},
		},
		models: []models.PredictiveModel{
			{Name: "trend", Projection: "up", Horizon: "1y"},
			{Name: "engagement", Projection: "up", Horizon: "1y"},
			{Name: "viral", Projection: "up", Horizon: "1y"},
			{Name: "market-evolution", Projection: "up", Horizon: "1y"},
			{Name: "behavior-forecast", Projection: "up", Horizon: "1y"},
		},
		completed: models.AllStudyPhases(),
		elapsed:   5 * time.Minute,
		budget:    5 * time.Minute,
	}
}

func TestExpertiseLevel_SaturatedStudyScoresFull(t *testing.T) {
	in := fullScoreInput()
	assert.InDelta(t, 100.0, expertiseLevel(in), 0.001)

	metrics := buildMetrics(in)
	assert.InDelta(t, 100.0, metrics.DomainMastery, 0.001)
	assert.InDelta(t, 100.0, metrics.InsightQuality, 0.001)
	assert.InDelta(t, 100.0, metrics.PredictiveAccuracy, 0.001)
	assert.InDelta(t, 100.0, metrics.StrategicDepth, 0.001)
	assert.InDelta(t, 100.0, metrics.PracticalApplicability, 0.001)

	assert.InDelta(t, 1.0, deriveConfidence(in), 0.001)
	assert.InDelta(t, 1.0, efficiencyScore(in), 0.001)
}

func TestExpertiseLevel_EmptyStudyScoresZero(t *testing.T) {
	in := scoreInput{budget: 5 * time.Minute}
	assert.Zero(t, expertiseLevel(in))
	assert.Zero(t, deriveConfidence(in))
	assert.Zero(t, efficiencyScore(in))
}

func TestVolumeShare_DiscountsSyntheticBytes(t *testing.T) {
	in := scoreInput{digest: corpusDigest{
		RealBytes:      volumeReference / 2,
		SyntheticBytes: volumeReference / 2,
		TotalBytes:     volumeReference,
	}}
	// Half real plus a quarter-weighted half.
	assert.InDelta(t, 0.625, in.volumeShare(), 0.001)
}

func TestShares_AreCapped(t *testing.T) {
	patterns := make([]models.Pattern, patternReference*3)
	in := scoreInput{
		digest:   corpusDigest{RealBytes: volumeReference * 10, TotalBytes: volumeReference * 10},
		patterns: patterns,
		elapsed:  time.Hour,
		budget:   time.Minute,
	}
	assert.Equal(t, 1.0, in.volumeShare())
	assert.Equal(t, 1.0, in.insightShare())
	assert.Equal(t, 1.0, in.timeShare())
}

func TestDeriveConfidence_SyntheticShareDiscount(t *testing.T) {
	in := scoreInput{
		digest: corpusDigest{
			RealBytes:      0,
			SyntheticBytes: 1000,
			TotalBytes:     1000,
		},
		patterns:  []models.Pattern{{Name: "p", Confidence: 1}},
		completed: models.AllStudyPhases(),
	}
	// Fully synthetic corpus halves an otherwise perfect confidence.
	assert.InDelta(t, 0.5, deriveConfidence(in), 0.001)
}

func TestEfficiencyScore_OverrunDecays(t *testing.T) {
	in := scoreInput{
		completed: []models.StudyPhase{models.PhaseAbsorption},
		budget:    2 * time.Minute,
		elapsed:   4 * time.Minute,
	}
	assert.InDelta(t, 0.5, efficiencyScore(in), 0.001)
}

func TestBuildDigest_SplitsRealAndSynthetic(t *testing.T) {
	corpus := models.NewMassiveCorpus("sess-digest", models.Brief{Segment: "coffee", Product: "pods"})
	corpus.Streams[models.StreamWeb].Variants["q"] = []models.SearchItem{
		{Title: "aaaa", URL: "bbbb", Snippet: "cccc"},
		{Title: "dd", Content: "eeee"},
	}
	corpus.Streams[models.StreamMarket].Variants["synthetic_expansion"] = []models.SearchItem{
		{Title: "s", Content: strings.Repeat("z", 99), Synthetic: true},
	}

	d := buildDigest(corpus)
	assert.Equal(t, 3, d.TotalItems)
	assert.Equal(t, int64(18), d.RealBytes)
	assert.Equal(t, int64(100), d.SyntheticBytes)
	assert.Equal(t, int64(118), d.TotalBytes)
	assert.InDelta(t, 100.0/118.0, d.SyntheticShare(), 0.001)

	require.Len(t, d.Streams, 2)
	assert.Equal(t, models.StreamWeb, d.Streams[0].Stream)
	assert.Equal(t, 2, d.Streams[0].Items)
	assert.Equal(t, models.StreamMarket, d.Streams[1].Stream)

	summary := d.summary()
	assert.Contains(t, summary, "3 items")
	assert.Contains(t, summary, "web stream: 2 items")
}

func TestSampleExcerpts_SkipsSyntheticAndHonorsBudget(t *testing.T) {
	corpus := models.NewMassiveCorpus("sess-excerpts", models.Brief{Segment: "coffee"})
	corpus.Streams[models.StreamWeb].Variants["q"] = []models.SearchItem{
		{Title: "Real story", Snippet: "worth   reading\twith collapsed   spaces"},
		{Title: "Padding", Content: "never sampled", Synthetic: true},
	}

	excerpts := sampleExcerpts(corpus, excerptBudget)
	assert.Contains(t, excerpts, "Real story: worth reading with collapsed spaces")
	assert.NotContains(t, excerpts, "never sampled")

	assert.Empty(t, sampleExcerpts(corpus, 3), "budget smaller than any line")
}

func TestSampleExcerpts_DeterministicOrder(t *testing.T) {
	corpus := models.NewMassiveCorpus("sess-order", models.Brief{Segment: "coffee"})
	corpus.Streams[models.StreamWeb].Variants["b variant"] = []models.SearchItem{{Title: "B", Snippet: "b"}}
	corpus.Streams[models.StreamWeb].Variants["a variant"] = []models.SearchItem{{Title: "A", Snippet: "a"}}

	first := sampleExcerpts(corpus, excerptBudget)
	for range 10 {
		assert.Equal(t, first, sampleExcerpts(corpus, excerptBudget))
	}
	assert.Less(t, strings.Index(first, "A:"), strings.Index(first, "B:"),
		"variants sampled in sorted order")
}
