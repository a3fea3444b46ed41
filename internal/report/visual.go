package report

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"

	_ "golang.org/x/image/webp"
)

// visualEvidence describes one screenshot artifact enumerated in the report.
type visualEvidence struct {
	name   string
	width  int
	height int
	size   int64
}

// collectVisualEvidence probes the session's screenshot artifacts for pixel
// dimensions. Screenshots that cannot be decoded are still listed, without
// dimensions; capture itself happens outside the pipeline.
func (c *Compiler) collectVisualEvidence(sessionID string) []visualEvidence {
	paths, err := c.store.ListScreenshots(sessionID)
	if err != nil {
		c.logger.Warn("listing screenshots",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil
	}

	evidence := make([]visualEvidence, 0, len(paths))
	for _, rel := range paths {
		data, err := c.store.Sandbox().ReadFile(rel)
		if err != nil {
			c.logger.Warn("reading screenshot",
				slog.String("path", rel),
				slog.String("error", err.Error()))
			continue
		}
		ev := visualEvidence{name: filepath.Base(rel), size: int64(len(data))}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			ev.width = cfg.Width
			ev.height = cfg.Height
		}
		evidence = append(evidence, ev)
	}
	return evidence
}
