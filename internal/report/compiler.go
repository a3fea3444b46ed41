// Package report implements Stage 3: compiling the final Markdown report
// from named module artifacts in a declared, deployment-fixed order.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/pkg/bytesize"
	"github.com/jmylchreest/marketpipe/pkg/format"
)

// StepCount is the number of progress steps Stage 3 reports.
const StepCount = 2

// pageChars is the character count backing the estimated-pages statistic.
const pageChars = 2000

type section struct {
	spec    ModuleSpec
	present bool
	body    string
}

// Compiler assembles the final report for a session from the module tree.
// Safe for concurrent use across sessions.
type Compiler struct {
	store    *artifact.Store
	fabric   *progressfabric.Fabric
	manifest *Manifest
	cfg      config.ReportConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewCompiler loads the module manifest (embedded, or the deployment
// override named in the config) and returns a compiler bound to it.
func NewCompiler(store *artifact.Store, fabric *progressfabric.Fabric, cfg config.ReportConfig, logger *slog.Logger) (*Compiler, error) {
	manifest, err := LoadManifest(cfg.ModuleManifest)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		store:    store,
		fabric:   fabric,
		manifest: manifest,
		cfg:      cfg,
		logger:   observability.WithComponent(logger, "report-compiler"),
		now:      time.Now,
	}, nil
}

// Manifest returns the module order the compiler was built with.
func (c *Compiler) Manifest() *Manifest {
	return c.manifest
}

// Compile loads every declared module for the session, assembles the final
// Markdown document, writes it to the report tree, and returns it with its
// statistics. A missing module is recorded and skipped; a module tree that
// cannot be read fails the stage. Progress is reported on the
// [baseStep+1, baseStep+StepCount] band.
func (c *Compiler) Compile(ctx context.Context, sessionID string, baseStep int) (*models.FinalReport, error) {
	if sessionID == "" {
		return nil, core.Errorf(core.KindStageInputMissing, "report.compile", "session id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.KindCancelled, "report.compile", err)
	}

	generated := c.now()
	c.step(sessionID, baseStep+1, "compiling report",
		fmt.Sprintf("%d modules declared", len(c.manifest.Modules)))

	sections := make([]section, 0, len(c.manifest.Modules))
	var missing []string
	for _, spec := range c.manifest.Modules {
		data, markdown, err := c.store.LoadModule(sessionID, spec.Name)
		if err != nil {
			if errors.Is(err, models.ErrArtifactNotFound) {
				missing = append(missing, spec.Name)
				sections = append(sections, section{spec: spec})
				continue
			}
			return nil, core.NewError(core.KindPersistenceFailure, "report.compile",
				fmt.Errorf("reading module %s: %w", spec.Name, err))
		}
		sections = append(sections, section{spec: spec, present: true, body: sectionBody(data, markdown)})
	}
	compiled := len(sections) - len(missing)
	evidence := c.collectVisualEvidence(sessionID)

	var sb strings.Builder
	sb.WriteString("# Market Analysis Report\n\n")
	fmt.Fprintf(&sb, "- Session: %s\n", sessionID)
	fmt.Fprintf(&sb, "- Generated: %s\n", generated.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "- Modules: %d of %d compiled\n\n", compiled, len(sections))

	sb.WriteString("## Table of Contents\n\n")
	for i, sec := range sections {
		marker := "present"
		if !sec.present {
			marker = "absent"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, sec.spec.SectionTitle(), marker)
	}
	sb.WriteString("\n")

	if len(evidence) > 0 {
		sb.WriteString("## Visual Evidence\n\n")
		for _, ev := range evidence {
			if ev.width > 0 {
				fmt.Fprintf(&sb, "- `%s` (%dx%d px, %s)\n",
					ev.name, ev.width, ev.height, bytesize.Format(bytesize.Size(ev.size)))
			} else {
				fmt.Fprintf(&sb, "- `%s` (%s)\n", ev.name, bytesize.Format(bytesize.Size(ev.size)))
			}
		}
		sb.WriteString("\n")
	}

	for _, sec := range sections {
		if !sec.present {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n", sec.spec.SectionTitle())
		body := strings.TrimRight(sec.body, "\n")
		if body == "" {
			body = "_(no content)_"
		}
		sb.WriteString(body)
		sb.WriteString("\n\n")
	}

	contentChars := sb.Len()
	pages := (contentChars + pageChars - 1) / pageChars
	if pages < c.cfg.MinPages {
		pages = c.cfg.MinPages
	}
	successRate := float64(compiled) / float64(len(sections))

	sb.WriteString("---\n\n")
	sb.WriteString("## Compilation Statistics\n\n")
	fmt.Fprintf(&sb, "- Modules compiled: %d of %d (%s)\n", compiled, len(sections), format.Percent(successRate))
	if len(missing) > 0 {
		fmt.Fprintf(&sb, "- Missing modules: %s\n", strings.Join(missing, ", "))
	}
	fmt.Fprintf(&sb, "- Content size: %s characters\n", format.Number(int64(contentChars)))
	fmt.Fprintf(&sb, "- Estimated pages: %d\n", pages)

	doc := []byte(sb.String())
	path, err := c.store.SaveReport(sessionID, doc)
	if err != nil {
		return nil, core.NewError(core.KindPersistenceFailure, "report.compile", err)
	}

	stats := models.ReportStats{
		SessionID:       sessionID,
		ModulesCompiled: compiled,
		ModulesExpected: len(sections),
		SuccessRate:     successRate,
		MissingModules:  missing,
		TotalChars:      len(doc),
		EstimatedPages:  pages,
		Path:            path,
		GeneratedAt:     generated,
	}
	if _, err := c.store.SaveStage(sessionID, "report_stats", stats, models.CategoryReport); err != nil {
		c.logger.Warn("persisting report stats",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	c.step(sessionID, baseStep+StepCount, "report compiled",
		fmt.Sprintf("%d/%d modules, %d estimated pages", compiled, len(sections), pages))
	c.logger.Info("report compiled",
		slog.String("session_id", sessionID),
		slog.String("path", path),
		slog.Int("modules_compiled", compiled),
		slog.Int("modules_expected", len(sections)),
		slog.Int("total_chars", stats.TotalChars),
		slog.Int("estimated_pages", pages),
		slog.Duration("elapsed", c.now().Sub(generated)))

	return &models.FinalReport{Markdown: doc, Stats: stats}, nil
}

// sectionBody prepares module content for embedding. Markdown is used as-is
// minus a leading level-one heading (the compiler owns section headings);
// JSON goes through the structural renderer.
func sectionBody(data []byte, markdown bool) string {
	if markdown {
		return stripLeadingH1(string(data))
	}
	return renderJSONModule(data)
}

func stripLeadingH1(s string) string {
	trimmed := strings.TrimLeft(s, "\n")
	if !strings.HasPrefix(trimmed, "# ") {
		return s
	}
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		return strings.TrimLeft(trimmed[i+1:], "\n")
	}
	return ""
}

func (c *Compiler) step(sessionID string, step int, message, detail string) {
	if err := c.fabric.Update(sessionID, step, message, detail); err != nil {
		c.logger.Debug("progress update skipped",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
