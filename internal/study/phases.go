package study

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// phaseSpec pins one study phase: its share of the time budget and the
// report module its output feeds.
type phaseSpec struct {
	phase  models.StudyPhase
	weight float64
	module string
}

// phaseSchedule is the fixed execution order. Weights are shares of the
// study budget, normalized over their sum.
var phaseSchedule = []phaseSpec{
	{models.PhaseAbsorption, 1.0, "market_overview"},
	{models.PhasePatterns, 1.5, "pattern_recognition"},
	{models.PhaseSynthesis, 1.5, "expert_synthesis"},
	{models.PhasePredictive, 1.0, "predictive_models"},
	{models.PhaseConsolidation, 0.5, "executive_summary"},
}

func totalPhaseWeight() float64 {
	var sum float64
	for _, spec := range phaseSchedule {
		sum += spec.weight
	}
	return sum
}

const studySystemPrompt = "You are a senior market research analyst. Ground every statement " +
	"in the supplied corpus material, state uncertainty explicitly, and answer in the exact " +
	"format each task asks for."

// patternKinds are the groupings the pattern-analysis phase is asked to fill.
var patternKinds = []string{"temporal", "engagement", "content", "behavioral", "viral"}

// predictiveModelNames are the named models the predictive phase assembles.
var predictiveModelNames = []string{
	"trend", "engagement", "viral", "market-evolution", "behavior-forecast",
}

// promptFor builds the phase prompt. Iterations past the first ask the model
// to deepen its previous answer rather than restate it.
func promptFor(spec phaseSpec, st *studyState, iteration int) string {
	if iteration > 0 {
		return deepenPrompt(spec.phase, st.outputs[spec.phase])
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Research brief: segment %q, product %q, audience %q, objective %q.\n\n",
		st.brief.Segment, st.brief.Product, st.brief.Audience, st.brief.Objective)

	switch spec.phase {
	case models.PhaseAbsorption:
		sb.WriteString("Absorb the collected corpus summarized below. Produce a quantitative overview ")
		sb.WriteString("of the market material (volumes, dominant streams, coverage gaps) followed by ")
		sb.WriteString("your initial insights as a short Markdown report.\n\n")
		sb.WriteString(st.digest.summary())
		if st.excerpts != "" {
			sb.WriteString("\nRepresentative excerpts:\n")
			sb.WriteString(st.excerpts)
		}

	case models.PhasePatterns:
		fmt.Fprintf(&sb, "Identify recurring patterns in the studied material across these kinds: %s.\n",
			strings.Join(patternKinds, ", "))
		sb.WriteString("Respond with a JSON array only, each element shaped as ")
		sb.WriteString(`{"kind":"...","name":"...","description":"...","confidence":0.0,"evidence":["..."]}`)
		sb.WriteString(" with confidence in [0,1].\n\n")
		sb.WriteString("Material under study:\n")
		sb.WriteString(trimTo(st.outputs[models.PhaseAbsorption], 4000))

	case models.PhaseSynthesis:
		sb.WriteString("Merge the identified patterns into expert conclusions about this market. ")
		sb.WriteString("Respond with a JSON array only, each element shaped as ")
		sb.WriteString(`{"insight":"..."}`)
		sb.WriteString(", ordered from strongest to weakest conclusion.\n\n")
		sb.WriteString("Identified patterns:\n")
		sb.WriteString(renderPatterns(st.patterns, 4000))

	case models.PhasePredictive:
		fmt.Fprintf(&sb, "Assemble the following named predictive models for this market: %s.\n",
			strings.Join(predictiveModelNames, ", "))
		sb.WriteString("Respond with a JSON array only, each element shaped as ")
		sb.WriteString(`{"name":"...","projection":"...","horizon":"..."}`)
		sb.WriteString(" using exactly those model names.\n\n")
		sb.WriteString("Expert conclusions so far:\n")
		sb.WriteString(renderSyntheses(st.syntheses, 4000))

	case models.PhaseConsolidation:
		sb.WriteString("Write an executive summary of the completed study as a short Markdown ")
		sb.WriteString("report: the market in one paragraph, the three strongest conclusions, ")
		sb.WriteString("and the clearest forward projection.\n\n")
		sb.WriteString("Study outputs:\n")
		sb.WriteString(trimTo(st.outputs[models.PhaseAbsorption], 1500))
		sb.WriteString("\n")
		sb.WriteString(renderSyntheses(st.syntheses, 1500))
		sb.WriteString(renderModels(st.models, 1500))
	}
	return sb.String()
}

func deepenPrompt(phase models.StudyPhase, prior string) string {
	var sb strings.Builder
	switch phase {
	case models.PhasePatterns:
		sb.WriteString("Extend your pattern analysis with patterns not yet covered below. ")
		sb.WriteString("Respond with a JSON array in the same shape as before, new patterns only.\n\n")
	case models.PhaseSynthesis:
		sb.WriteString("Deepen the expert conclusions below: add second-order implications not yet stated. ")
		sb.WriteString("Respond with a JSON array in the same shape as before, new conclusions only.\n\n")
	case models.PhasePredictive:
		sb.WriteString("Add any missing named models and sharpen the projections below. ")
		sb.WriteString("Respond with a JSON array in the same shape as before.\n\n")
	default:
		sb.WriteString("Deepen the analysis below with material not yet covered. ")
		sb.WriteString("Keep the same format and do not restate prior points.\n\n")
	}
	sb.WriteString("Prior output:\n")
	sb.WriteString(trimTo(prior, 4000))
	return sb.String()
}

// parsePatterns decodes the pattern-analysis output. Models that ignore the
// JSON instruction degrade to a bullet scan with default confidence.
func parsePatterns(text string) []models.Pattern {
	var parsed []models.Pattern
	if raw := extractJSONArray(text); raw != nil {
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out := parsed[:0]
			for _, p := range parsed {
				if strings.TrimSpace(p.Name) == "" {
					continue
				}
				if p.Kind = normalizeKind(p.Kind); p.Kind == "" {
					p.Kind = guessKind(p.Name + " " + p.Description)
				}
				p.Confidence = clamp01(p.Confidence)
				out = append(out, p)
			}
			return out
		}
	}

	var out []models.Pattern
	for _, line := range bulletLines(text) {
		out = append(out, models.Pattern{
			Kind:        guessKind(line),
			Name:        firstWords(line, 8),
			Description: line,
			Confidence:  0.5,
		})
	}
	return out
}

// parseSyntheses decodes insight-synthesis output. The contributing phases
// are set here; the model only supplies the insight text.
func parseSyntheses(text string, phases []models.StudyPhase) []models.Synthesis {
	var parsed []struct {
		Insight string `json:"insight"`
	}
	insights := []string{}
	if raw := extractJSONArray(text); raw != nil {
		if err := json.Unmarshal(raw, &parsed); err == nil {
			for _, p := range parsed {
				if s := strings.TrimSpace(p.Insight); s != "" {
					insights = append(insights, s)
				}
			}
		}
	}
	if len(insights) == 0 {
		insights = bulletLines(text)
	}

	out := make([]models.Synthesis, 0, len(insights))
	for _, insight := range insights {
		out = append(out, models.Synthesis{Insight: insight, Phases: phases})
	}
	return out
}

// parseModels decodes predictive-modeling output into the named models.
// Unknown names are dropped and duplicates keep the first projection.
func parseModels(text string) []models.PredictiveModel {
	var parsed []models.PredictiveModel
	if raw := extractJSONArray(text); raw != nil {
		_ = json.Unmarshal(raw, &parsed)
	}
	if len(parsed) == 0 {
		for _, line := range bulletLines(text) {
			name, rest, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			parsed = append(parsed, models.PredictiveModel{
				Name:       strings.TrimSpace(name),
				Projection: strings.TrimSpace(rest),
			})
		}
	}

	seen := make(map[string]struct{}, len(predictiveModelNames))
	var out []models.PredictiveModel
	for _, m := range parsed {
		name := normalizeModelName(m.Name)
		if name == "" || strings.TrimSpace(m.Projection) == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		m.Name = name
		out = append(out, m)
	}
	return out
}

// extractJSONArray returns the outermost bracketed span of the text, which
// tolerates prose or code fences around the array.
func extractJSONArray(s string) []byte {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil
	}
	return []byte(s[start : end+1])
}

func bulletLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"- ", "* ", "• "} {
			if strings.HasPrefix(line, prefix) {
				line = strings.TrimSpace(line[len(prefix):])
				if line != "" {
					out = append(out, line)
				}
				break
			}
		}
	}
	return out
}

// normalizeKind lowercases a known kind, or returns "" for kinds outside
// the closed set.
func normalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, known := range patternKinds {
		if kind == known {
			return kind
		}
	}
	return ""
}

func guessKind(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "viral"):
		return "viral"
	case strings.Contains(lower, "behav"):
		return "behavioral"
	case strings.Contains(lower, "engage"):
		return "engagement"
	case strings.Contains(lower, "tempor"), strings.Contains(lower, "season"), strings.Contains(lower, "time"):
		return "temporal"
	default:
		return "content"
	}
}

func normalizeModelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")
	name = strings.ReplaceAll(name, "_", "-")
	for _, known := range predictiveModelNames {
		if name == known {
			return name
		}
	}
	return ""
}

func renderPatterns(patterns []models.Pattern, budget int) string {
	var sb strings.Builder
	for _, p := range patterns {
		line := fmt.Sprintf("- [%s] %s: %s (confidence %.2f)\n", p.Kind, p.Name, p.Description, p.Confidence)
		if sb.Len()+len(line) > budget {
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func renderSyntheses(syntheses []models.Synthesis, budget int) string {
	var sb strings.Builder
	for i, s := range syntheses {
		line := fmt.Sprintf("%d. %s\n", i+1, s.Insight)
		if sb.Len()+len(line) > budget {
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func renderModels(ms []models.PredictiveModel, budget int) string {
	var sb strings.Builder
	for _, m := range ms {
		line := fmt.Sprintf("- %s: %s", m.Name, m.Projection)
		if m.Horizon != "" {
			line += " (" + m.Horizon + ")"
		}
		line += "\n"
		if sb.Len()+len(line) > budget {
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func trimTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
