package models

import "time"

// StudyPhase names one of the five Stage-2 phases.
type StudyPhase string

const (
	PhaseAbsorption    StudyPhase = "absorption"
	PhasePatterns      StudyPhase = "pattern_analysis"
	PhaseSynthesis     StudyPhase = "insight_synthesis"
	PhasePredictive    StudyPhase = "predictive_modeling"
	PhaseConsolidation StudyPhase = "consolidation"
)

// AllStudyPhases lists the phases in execution order.
func AllStudyPhases() []StudyPhase {
	return []StudyPhase{
		PhaseAbsorption, PhasePatterns, PhaseSynthesis,
		PhasePredictive, PhaseConsolidation,
	}
}

// Pattern is a single identified pattern from the pattern-analysis phase.
type Pattern struct {
	// Kind groups patterns: temporal, engagement, content, behavioral,
	// viral.
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
}

// Synthesis is a cross-phase expert conclusion.
type Synthesis struct {
	Insight string       `json:"insight"`
	Phases  []StudyPhase `json:"phases,omitempty"`
}

// PredictiveModel is a named forward-looking model assembled in the
// predictive-modeling phase: trend, engagement, viral, market-evolution,
// or behavior-forecast.
type PredictiveModel struct {
	Name       string `json:"name"`
	Projection string `json:"projection"`
	Horizon    string `json:"horizon,omitempty"`
}

// ExpertiseMetrics are the consolidation-phase scores, each in [0,100].
type ExpertiseMetrics struct {
	DomainMastery          float64 `json:"domain_mastery"`
	InsightQuality         float64 `json:"insight_quality"`
	PredictiveAccuracy     float64 `json:"predictive_accuracy"`
	StrategicDepth         float64 `json:"strategic_depth"`
	PracticalApplicability float64 `json:"practical_applicability"`
}

// StudyMetadata describes how the study ran.
type StudyMetadata struct {
	PhasesCompleted []StudyPhase  `json:"phases_completed"`
	Duration        time.Duration `json:"duration_ns"`
	BudgetMinutes   int           `json:"budget_minutes"`
	EfficiencyScore float64       `json:"efficiency_score"`

	// CorpusSyntheticShare is the fraction of corpus bytes that were
	// synthetic expansion, used to down-weight derived confidence.
	CorpusSyntheticShare float64 `json:"corpus_synthetic_share,omitempty"`
}

// ExpertiseArtifact is the Stage-2 output.
type ExpertiseArtifact struct {
	SessionID string `json:"session_id"`

	// ExpertiseLevel is the weighted overall score in [0,100].
	ExpertiseLevel float64 `json:"expertise_level"`

	// Confidence is the overall confidence in [0,1].
	Confidence float64 `json:"confidence"`

	Patterns  []Pattern         `json:"patterns"`
	Syntheses []Synthesis       `json:"syntheses"`
	Models    []PredictiveModel `json:"models"`
	Metrics   ExpertiseMetrics  `json:"metrics"`

	// VolumeProcessed is the corpus bytes consumed during study.
	VolumeProcessed int64 `json:"volume_processed"`

	Study StudyMetadata `json:"study"`
}

// PatternsIdentified returns the pattern count.
func (e *ExpertiseArtifact) PatternsIdentified() int {
	return len(e.Patterns)
}
