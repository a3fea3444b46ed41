package models

import "strings"

// Brief is the market-analysis request that seeds a pipeline run.
type Brief struct {
	// Segment is the market segment under analysis, e.g. "specialty coffee".
	Segment string `json:"segment"`

	// Product is the product or offer being positioned in the segment.
	Product string `json:"product"`

	// Audience is the target audience description.
	Audience string `json:"audience,omitempty"`

	// Objective optionally narrows the analysis goal.
	Objective string `json:"objective,omitempty"`

	// StudyMinutes optionally overrides the Stage-2 time budget.
	// Zero means use the configured default; out-of-range values are
	// clamped by the study orchestrator.
	StudyMinutes int `json:"study_minutes,omitempty"`
}

// Validate checks the brief for required fields.
func (b *Brief) Validate() error {
	if strings.TrimSpace(b.Segment) == "" {
		return ErrSegmentRequired
	}
	if strings.TrimSpace(b.Product) == "" {
		return ErrProductRequired
	}
	return nil
}

// Query returns the primary search query derived from the brief.
func (b *Brief) Query() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{b.Segment, b.Product, b.Audience} {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}
