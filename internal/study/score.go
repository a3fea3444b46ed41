package study

import (
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// Reference scales that turn raw study output into [0,1] shares. The volume
// reference matches the default corpus byte floor.
const (
	volumeReference  = 512_000
	patternReference = 15
	depthReference   = 2400
	modelReference   = 5

	// syntheticVolumeWeight discounts expansion padding when crediting
	// absorbed volume.
	syntheticVolumeWeight = 0.25
)

// Expertise-level component weights, summing to 100.
const (
	volumeWeight  = 25.0
	insightWeight = 25.0
	depthWeight   = 20.0
	modelWeight   = 15.0
	timeWeight    = 15.0
)

// scoreInput collects everything the consolidation scoring reads.
type scoreInput struct {
	digest    corpusDigest
	patterns  []models.Pattern
	syntheses []models.Synthesis
	models    []models.PredictiveModel
	completed []models.StudyPhase
	elapsed   time.Duration
	budget    time.Duration
}

func (in scoreInput) volumeShare() float64 {
	effective := float64(in.digest.RealBytes) + syntheticVolumeWeight*float64(in.digest.SyntheticBytes)
	return capShare(effective / volumeReference)
}

func (in scoreInput) insightShare() float64 {
	return capShare(float64(len(in.patterns)) / patternReference)
}

func (in scoreInput) depthShare() float64 {
	var chars int
	for _, s := range in.syntheses {
		chars += len(s.Insight)
	}
	return capShare(float64(chars) / depthReference)
}

func (in scoreInput) modelShare() float64 {
	return capShare(float64(len(in.models)) / float64(modelReference))
}

func (in scoreInput) timeShare() float64 {
	if in.budget <= 0 {
		return 0
	}
	return capShare(float64(in.elapsed) / float64(in.budget))
}

func (in scoreInput) completionShare() float64 {
	return capShare(float64(len(in.completed)) / float64(len(phaseSchedule)))
}

// expertiseLevel is the weighted sum of the five component shares, in
// [0,100].
func expertiseLevel(in scoreInput) float64 {
	return volumeWeight*in.volumeShare() +
		insightWeight*in.insightShare() +
		depthWeight*in.depthShare() +
		modelWeight*in.modelShare() +
		timeWeight*in.timeShare()
}

// buildMetrics derives the consolidation scores, each in [0,100].
func buildMetrics(in scoreInput) models.ExpertiseMetrics {
	horizons := 0
	for _, m := range in.models {
		if m.Horizon != "" {
			horizons++
		}
	}
	horizonShare := capShare(float64(horizons) / float64(modelReference))

	return models.ExpertiseMetrics{
		DomainMastery:          100 * (0.6*in.volumeShare() + 0.4*in.completionShare()),
		InsightQuality:         100 * (0.5*in.insightShare() + 0.5*meanPatternConfidence(in.patterns)),
		PredictiveAccuracy:     100 * (0.7*in.modelShare() + 0.3*horizonShare),
		StrategicDepth:         100 * in.depthShare(),
		PracticalApplicability: 100 * (0.5*in.depthShare() + 0.5*in.completionShare()),
	}
}

// deriveConfidence blends pattern confidence with study completeness and
// discounts the result by the synthetic share of the corpus.
func deriveConfidence(in scoreInput) float64 {
	base := 0.5*meanPatternConfidence(in.patterns) + 0.5*in.completionShare()
	return clamp01(base * (1 - 0.5*in.digest.SyntheticShare()))
}

// efficiencyScore rewards finishing within the budget; overruns decay it.
func efficiencyScore(in scoreInput) float64 {
	if len(in.completed) == 0 {
		return 0
	}
	if in.elapsed <= in.budget {
		return 1
	}
	return clamp01(float64(in.budget) / float64(in.elapsed))
}

func meanPatternConfidence(patterns []models.Pattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	var sum float64
	for _, p := range patterns {
		sum += clamp01(p.Confidence)
	}
	return sum / float64(len(patterns))
}

func capShare(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clamp01(v float64) float64 {
	return capShare(v)
}
