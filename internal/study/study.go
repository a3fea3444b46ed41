// Package study implements Stage 2: a time-budgeted, five-phase AI study of
// the collected corpus, producing the expertise artifact and the analytic
// report modules derived from it.
package study

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/marketpipe/internal/ai"
	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
)

// StepCount is the number of progress steps Stage 2 reports.
const StepCount = 6

const (
	expertiseSubStage = "expertise"

	// maxPhaseIterations caps deepening calls within one phase.
	maxPhaseIterations = 3

	// iterationFloor is the minimum slot time left that justifies another
	// deepening call.
	iterationFloor = 20 * time.Second
)

// generator is the slice of the AI adapter the study drives. Tests inject a
// scripted one.
type generator interface {
	GenerateText(ctx context.Context, prompt string, opts ai.Options) (string, error)
	GenerateWithActiveSearch(ctx context.Context, prompt, searchContext string, opts ai.Options, maxIterations int) (string, error)
}

// studyState accumulates outputs across phases; later prompts fold in what
// earlier phases produced.
type studyState struct {
	brief    models.Brief
	digest   corpusDigest
	excerpts string

	outputs   map[models.StudyPhase]string
	patterns  []models.Pattern
	syntheses []models.Synthesis
	models    []models.PredictiveModel
}

type phaseOutcome struct {
	output     string
	iterations int
	elapsed    time.Duration
	overrun    time.Duration
}

// Orchestrator runs the study schedule for one session at a time. Safe for
// concurrent use across sessions.
type Orchestrator struct {
	store  *artifact.Store
	fabric *progressfabric.Fabric
	ai     generator
	cfg    config.StudyConfig
	aiCfg  config.AIConfig
	logger *slog.Logger

	now func() time.Time
}

// NewOrchestrator wires the Stage-2 orchestrator against the AI adapter.
func NewOrchestrator(store *artifact.Store, fabric *progressfabric.Fabric, adapter *ai.Adapter, cfg config.StudyConfig, aiCfg config.AIConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		fabric: fabric,
		ai:     adapter,
		cfg:    cfg,
		aiCfg:  aiCfg,
		logger: observability.WithComponent(logger, "study-orchestrator"),
		now:    time.Now,
	}
}

// Study runs the five-phase schedule over the corpus within a budget of
// `minutes` (clamped; non-positive takes the configured default) and returns
// the persisted expertise artifact. Progress is reported on the
// [baseStep+1, baseStep+StepCount] band.
//
// The budget is enforced cooperatively: a phase in flight is never
// preempted, an overrun is recorded and the schedule advances, and once the
// deadline has passed the remaining phases run a single call each. A failed
// phase is recorded and skipped; the study fails only when cancelled, when
// every phase failed, or when the final artifact cannot be persisted.
func (o *Orchestrator) Study(ctx context.Context, sessionID string, corpus *models.MassiveCorpus, minutes, baseStep int) (*models.ExpertiseArtifact, error) {
	if corpus == nil {
		return nil, core.Errorf(core.KindStageInputMissing, "study.run", "no corpus to study")
	}

	budgetMinutes := o.cfg.ClampMinutes(minutes)
	budget := time.Duration(budgetMinutes) * time.Minute
	started := o.now()
	deadline := started.Add(budget)

	st := &studyState{
		brief:    corpus.Brief,
		digest:   buildDigest(corpus),
		excerpts: sampleExcerpts(corpus, excerptBudget),
		outputs:  make(map[models.StudyPhase]string, len(phaseSchedule)),
	}

	o.step(sessionID, baseStep+1, "study scheduled",
		fmt.Sprintf("%d minutes across %d phases, %d corpus items", budgetMinutes, len(phaseSchedule), st.digest.TotalItems))
	o.logger.Info("study started",
		slog.String("session_id", sessionID),
		slog.Int("budget_minutes", budgetMinutes),
		slog.Int("corpus_items", st.digest.TotalItems),
		slog.Int64("corpus_bytes", st.digest.TotalBytes))

	totalWeight := totalPhaseWeight()
	var (
		completed []models.StudyPhase
		lastErr   error
	)
	for i, spec := range phaseSchedule {
		if err := ctx.Err(); err != nil {
			return nil, core.NewError(core.KindCancelled, "study.run", err)
		}

		slot := time.Duration(float64(budget) * spec.weight / totalWeight)
		if remaining := deadline.Sub(o.now()); remaining < slot {
			slot = max(remaining, 0)
		}

		outcome, err := o.runPhase(ctx, sessionID, spec, st, slot)
		if err != nil {
			if core.IsKind(err, core.KindCancelled) {
				return nil, err
			}
			lastErr = err
			o.logger.Warn("study phase failed",
				slog.String("session_id", sessionID),
				slog.String("phase", string(spec.phase)),
				slog.String("error", err.Error()))
			o.saveError(sessionID, "phase_"+string(spec.phase)+"_failed", err, map[string]any{
				"phase":   string(spec.phase),
				"slot_ms": slot.Milliseconds(),
			})
			if i < len(phaseSchedule)-1 {
				o.step(sessionID, baseStep+2+i, string(spec.phase)+" failed", err.Error())
			}
			continue
		}

		completed = append(completed, spec.phase)
		o.savePhase(sessionID, spec, st, outcome)
		if i < len(phaseSchedule)-1 {
			o.step(sessionID, baseStep+2+i, string(spec.phase)+" complete",
				fmt.Sprintf("%d calls in %s", outcome.iterations, outcome.elapsed.Round(time.Second)))
		}
	}

	if len(completed) == 0 {
		err := core.NewError(failKind(lastErr), "study.run",
			fmt.Errorf("every study phase failed: %w", lastErr))
		o.saveError(sessionID, "study_failed", err, map[string]any{
			"budget_minutes": budgetMinutes,
		})
		return nil, err
	}

	finished := o.now()
	in := scoreInput{
		digest:    st.digest,
		patterns:  st.patterns,
		syntheses: st.syntheses,
		models:    st.models,
		completed: completed,
		elapsed:   finished.Sub(started),
		budget:    budget,
	}
	expertise := &models.ExpertiseArtifact{
		SessionID:       sessionID,
		ExpertiseLevel:  expertiseLevel(in),
		Confidence:      deriveConfidence(in),
		Patterns:        st.patterns,
		Syntheses:       st.syntheses,
		Models:          st.models,
		Metrics:         buildMetrics(in),
		VolumeProcessed: volumeProcessed(corpus, st.digest),
		Study: models.StudyMetadata{
			PhasesCompleted:      completed,
			Duration:             in.elapsed,
			BudgetMinutes:        budgetMinutes,
			EfficiencyScore:      efficiencyScore(in),
			CorpusSyntheticShare: st.digest.SyntheticShare(),
		},
	}

	if _, err := o.store.SaveStage(sessionID, expertiseSubStage, expertise, models.CategoryExpertise); err != nil {
		return nil, core.NewError(core.KindPersistenceFailure, "study.run", err)
	}
	if _, err := o.store.SaveModuleJSON(sessionID, "study_metrics", expertise); err != nil {
		o.logger.Warn("persisting study metrics module",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	o.step(sessionID, baseStep+StepCount, "expertise persisted",
		fmt.Sprintf("level %.1f, confidence %.2f", expertise.ExpertiseLevel, expertise.Confidence))

	o.logger.Info("study complete",
		slog.String("session_id", sessionID),
		slog.Int("phases_completed", len(completed)),
		slog.Int("patterns", len(st.patterns)),
		slog.Int("syntheses", len(st.syntheses)),
		slog.Int("models", len(st.models)),
		slog.Float64("expertise_level", expertise.ExpertiseLevel),
		slog.Duration("elapsed", in.elapsed))
	return expertise, nil
}

// runPhase executes one phase: a first adapter call, then deepening calls
// while the slot has time and the iteration cap allows. A failed first call
// fails the phase; a failed deepening call keeps the earlier output.
func (o *Orchestrator) runPhase(ctx context.Context, sessionID string, spec phaseSpec, st *studyState, slot time.Duration) (phaseOutcome, error) {
	phaseStart := o.now()
	slotDeadline := phaseStart.Add(slot)
	log := o.logger.With(
		slog.String("session_id", sessionID),
		slog.String("phase", string(spec.phase)))
	opts := ai.Options{SystemPrompt: studySystemPrompt, SessionID: sessionID}

	iterations := 0
	for {
		prompt := promptFor(spec, st, iterations)
		out, err := o.generate(ctx, spec.phase, prompt, st, opts)
		if err != nil {
			if iterations == 0 || core.IsKind(err, core.KindCancelled) {
				return phaseOutcome{}, err
			}
			log.Warn("deepening call failed, keeping earlier output",
				slog.Int("iteration", iterations+1),
				slog.String("error", err.Error()))
			break
		}
		iterations++
		absorb(spec.phase, st, out)

		if iterations >= maxPhaseIterations {
			break
		}
		if slotDeadline.Sub(o.now()) < iterationFloor {
			break
		}
	}

	elapsed := o.now().Sub(phaseStart)
	outcome := phaseOutcome{
		output:     st.outputs[spec.phase],
		iterations: iterations,
		elapsed:    elapsed,
		overrun:    max(elapsed-slot, 0),
	}
	log.Debug("phase finished",
		slog.Int("iterations", iterations),
		slog.Duration("elapsed", elapsed),
		slog.Duration("overrun", outcome.overrun))
	return outcome, nil
}

// generate dispatches to the tool loop for insight synthesis when live
// search is enabled, plain generation otherwise.
func (o *Orchestrator) generate(ctx context.Context, phase models.StudyPhase, prompt string, st *studyState, opts ai.Options) (string, error) {
	if phase == models.PhaseSynthesis && o.aiCfg.EnableLiveSearch {
		searchContext := trimTo(st.digest.summary()+"\n"+renderPatterns(st.patterns, 2000), 3000)
		return o.ai.GenerateWithActiveSearch(ctx, prompt, searchContext, opts, o.aiCfg.MaxToolIterations)
	}
	return o.ai.GenerateText(ctx, prompt, opts)
}

// absorb folds one generation result into the study state.
func absorb(phase models.StudyPhase, st *studyState, out string) {
	switch phase {
	case models.PhasePatterns:
		st.patterns = mergePatterns(st.patterns, parsePatterns(out))
	case models.PhaseSynthesis:
		st.syntheses = mergeSyntheses(st.syntheses, parseSyntheses(out,
			[]models.StudyPhase{models.PhaseAbsorption, models.PhasePatterns}))
	case models.PhasePredictive:
		st.models = mergeModels(st.models, parseModels(out))
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return
	}
	if st.outputs[phase] == "" {
		st.outputs[phase] = trimmed
	} else {
		st.outputs[phase] += "\n\n" + trimmed
	}
}

func mergePatterns(have, more []models.Pattern) []models.Pattern {
	seen := make(map[string]struct{}, len(have))
	for _, p := range have {
		seen[strings.ToLower(p.Name)] = struct{}{}
	}
	for _, p := range more {
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		have = append(have, p)
	}
	return have
}

func mergeSyntheses(have, more []models.Synthesis) []models.Synthesis {
	seen := make(map[string]struct{}, len(have))
	for _, s := range have {
		seen[strings.ToLower(s.Insight)] = struct{}{}
	}
	for _, s := range more {
		key := strings.ToLower(s.Insight)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		have = append(have, s)
	}
	return have
}

func mergeModels(have, more []models.PredictiveModel) []models.PredictiveModel {
	seen := make(map[string]struct{}, len(have))
	for _, m := range have {
		seen[m.Name] = struct{}{}
	}
	for _, m := range more {
		if _, dup := seen[m.Name]; dup {
			continue
		}
		seen[m.Name] = struct{}{}
		have = append(have, m)
	}
	return have
}

// savePhase persists the phase checkpoint and the report modules it feeds.
func (o *Orchestrator) savePhase(sessionID string, spec phaseSpec, st *studyState, outcome phaseOutcome) {
	payload := map[string]any{
		"phase":      spec.phase,
		"output":     outcome.output,
		"iterations": outcome.iterations,
		"elapsed_ms": outcome.elapsed.Milliseconds(),
		"overrun_ms": outcome.overrun.Milliseconds(),
	}
	switch spec.phase {
	case models.PhasePatterns:
		payload["patterns"] = st.patterns
	case models.PhaseSynthesis:
		payload["syntheses"] = st.syntheses
	case models.PhasePredictive:
		payload["models"] = st.models
	}
	if _, err := o.store.SaveStage(sessionID, "phase_"+string(spec.phase), payload, models.CategoryExpertise); err != nil {
		o.logger.Warn("persisting phase artifact",
			slog.String("session_id", sessionID),
			slog.String("phase", string(spec.phase)),
			slog.String("error", err.Error()))
	}

	if outcome.output == "" {
		return
	}
	if _, err := o.store.SaveModuleMarkdown(sessionID, spec.module, moduleBody(spec.module, outcome.output)); err != nil {
		o.logger.Warn("persisting report module",
			slog.String("session_id", sessionID),
			slog.String("module", spec.module),
			slog.String("error", err.Error()))
	}
	protocol := "protocol_" + string(spec.phase)
	if _, err := o.store.SaveModuleMarkdown(sessionID, protocol, protocolBody(spec, outcome)); err != nil {
		o.logger.Warn("persisting protocol module",
			slog.String("session_id", sessionID),
			slog.String("module", protocol),
			slog.String("error", err.Error()))
	}
}

func moduleBody(module, output string) []byte {
	return []byte("# " + headingFor(module) + "\n\n" + output + "\n")
}

// protocolBody records how the phase ran; the content itself lives in the
// analytic module.
func protocolBody(spec phaseSpec, outcome phaseOutcome) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Study Protocol: %s\n\n", headingFor(string(spec.phase)))
	fmt.Fprintf(&sb, "- Adapter calls: %d\n", outcome.iterations)
	fmt.Fprintf(&sb, "- Elapsed: %s\n", outcome.elapsed.Round(time.Millisecond))
	fmt.Fprintf(&sb, "- Slot overrun: %s\n", outcome.overrun.Round(time.Millisecond))
	fmt.Fprintf(&sb, "- Output size: %d characters\n", len(outcome.output))
	return []byte(sb.String())
}

func headingFor(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func volumeProcessed(corpus *models.MassiveCorpus, digest corpusDigest) int64 {
	if corpus.Metadata.SizeBytes > 0 {
		return corpus.Metadata.SizeBytes
	}
	return digest.TotalBytes
}

// failKind propagates the kind of the underlying failure, defaulting to
// provider exhaustion when none is carried.
func failKind(err error) core.ErrorKind {
	if kind := core.KindOf(err); kind != "" {
		return kind
	}
	return core.KindNoProviderAvailable
}

func (o *Orchestrator) saveError(sessionID, name string, cause error, context map[string]any) {
	if _, err := o.store.SaveError(sessionID, name, cause, context); err != nil {
		o.logger.Warn("persisting error artifact",
			slog.String("session_id", sessionID),
			slog.String("name", name),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) step(sessionID string, step int, message, detail string) {
	if err := o.fabric.Update(sessionID, step, message, detail); err != nil {
		o.logger.Debug("progress update skipped",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
