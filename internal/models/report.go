package models

import "time"

// ReportStats is the compilation-statistics record produced with a final
// report.
type ReportStats struct {
	SessionID string `json:"session_id"`

	// ModulesCompiled is the number of module artifacts found and embedded.
	ModulesCompiled int `json:"modules_compiled"`

	// ModulesExpected is the length of the declared module order.
	ModulesExpected int `json:"modules_expected"`

	// SuccessRate is compiled/expected in [0,1].
	SuccessRate float64 `json:"success_rate"`

	// MissingModules lists module names skipped because no artifact was
	// found.
	MissingModules []string `json:"missing_modules,omitempty"`

	// TotalChars is the length of the compiled Markdown document.
	TotalChars int `json:"total_chars"`

	// EstimatedPages is estimated from the compiled content at 2000
	// characters per page, floored at the configured minimum.
	EstimatedPages int `json:"estimated_pages"`

	// Path is where the final report was written.
	Path string `json:"path"`

	GeneratedAt time.Time `json:"generated_at"`
}

// FinalReport pairs the compiled Markdown with its statistics.
type FinalReport struct {
	Markdown []byte      `json:"-"`
	Stats    ReportStats `json:"stats"`
}
