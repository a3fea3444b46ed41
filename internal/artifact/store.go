// Package artifact implements the durable artifact store. Every stage and
// sub-stage payload, error record, module output, and final report is
// persisted under the artifact root as a timestamped file, organized by
// session. Writes are atomic and artifacts are append-only in history; a new
// write for the same sub-stage produces a new file, and enumeration returns
// the latest one.
package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

// Reserved top-level trees under the artifact root. Everything else at the
// top level is a stage category directory.
const (
	errorsTree      = "errors"
	sessionsTree    = "sessions"
	reportsTree     = "reports"
	modulesTree     = "modules"
	archiveTree     = "archive"
	screenshotsTree = "screenshots"

	// backupDir holds timestamped backup copies inside a category/session
	// directory. Backups are excluded from latest-wins enumeration.
	backupDir = "backups"

	// sharedModuleScope receives module artifacts written without a session.
	sharedModuleScope = "shared"

	reportFileName = "final_report.md"
)

var reservedTrees = map[string]bool{
	errorsTree:      true,
	sessionsTree:    true,
	reportsTree:     true,
	modulesTree:     true,
	archiveTree:     true,
	screenshotsTree: true,
}

// artifactNamePattern matches `<name>_<yyyymmdd_hhmmss_mmm>[_<4 hex>].<ext>`.
// The name itself may contain underscores, so the timestamp anchors the split.
var artifactNamePattern = regexp.MustCompile(`^(.+)_(\d{8}_\d{6}_\d{3})(?:_[0-9a-f]{4})?\.([a-z]+)$`)

// Store persists stage artifacts, error records, module outputs, and final
// reports under a sandboxed artifact root. It is safe for concurrent use;
// the filesystem serializes the actual writes.
type Store struct {
	sandbox *storage.Sandbox
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates an artifact store on top of the given sandbox.
func NewStore(sandbox *storage.Sandbox, logger *slog.Logger) *Store {
	return &Store{
		sandbox: sandbox,
		logger:  observability.WithComponent(logger, "artifact-store"),
		now:     time.Now,
	}
}

// Sandbox exposes the underlying sandbox for components that manage their
// own subtrees, such as the session manager.
func (s *Store) Sandbox() *storage.Sandbox {
	return s.sandbox
}

// Root returns the absolute path of the artifact root.
func (s *Store) Root() string {
	return s.sandbox.BaseDir()
}

// SaveStage serializes a payload as JSON and writes it to
// `<category>/<session>/<sub_stage>_<timestamp>.json`, plus a backup copy
// under the session's backups directory. Payloads that cannot be serialized
// directly are sanitized rather than rejected; the save still succeeds with
// placeholder substitutions. Returns the artifact path relative to the root.
func (s *Store) SaveStage(sessionID, subStage string, payload any, category string) (string, error) {
	if sessionID == "" {
		return "", models.ErrSessionIDRequired
	}
	if subStage == "" {
		return "", fmt.Errorf("sub-stage name is required")
	}
	if category == "" {
		category = models.CategoryCollection
	}
	if reservedTrees[category] {
		return "", fmt.Errorf("category %q collides with a reserved tree", category)
	}

	data, degraded, err := MarshalSanitized(payload)
	if err != nil {
		return "", fmt.Errorf("serializing %s artifact: %w", subStage, err)
	}
	if degraded {
		s.logger.Warn("payload sanitized before save",
			slog.String("session_id", sessionID),
			slog.String("sub_stage", subStage))
	}

	dir := filepath.Join(category, sessionID)
	if err := s.ensureDir(dir); err != nil {
		return "", err
	}

	name, err := s.uniqueName(dir, subStage, "json")
	if err != nil {
		return "", err
	}
	relPath := filepath.Join(dir, name)
	if err := s.sandbox.AtomicWrite(relPath, data); err != nil {
		return "", fmt.Errorf("writing %s artifact: %w", subStage, err)
	}

	backupPath := filepath.Join(dir, backupDir, name)
	if err := s.sandbox.AtomicWrite(backupPath, data); err != nil {
		return "", fmt.Errorf("writing %s backup: %w", subStage, err)
	}

	s.logger.Debug("stage artifact saved",
		slog.String("session_id", sessionID),
		slog.String("sub_stage", subStage),
		slog.String("category", category),
		slog.Int("bytes", len(data)))
	return relPath, nil
}

// SaveError writes an error record (type, message, context) into the error
// tree at `errors/<session>/ERR_<name>_<timestamp>.txt`.
func (s *Store) SaveError(sessionID, name string, cause error, context map[string]any) (string, error) {
	if sessionID == "" {
		return "", models.ErrSessionIDRequired
	}
	if name == "" {
		name = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "type: %T\n", cause)
	if cause != nil {
		fmt.Fprintf(&b, "message: %s\n", cause.Error())
	} else {
		b.WriteString("message: <nil>\n")
	}
	fmt.Fprintf(&b, "time: %s\n", s.now().UTC().Format(time.RFC3339))
	if len(context) > 0 {
		b.WriteString("context:\n")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, context[k])
		}
	}

	dir := filepath.Join(errorsTree, sessionID)
	if err := s.ensureDir(dir); err != nil {
		return "", err
	}
	fileName, err := s.uniqueName(dir, "ERR_"+name, "txt")
	if err != nil {
		return "", err
	}
	relPath := filepath.Join(dir, fileName)
	if err := s.sandbox.AtomicWrite(relPath, []byte(b.String())); err != nil {
		return "", fmt.Errorf("writing error artifact: %w", err)
	}

	s.logger.Debug("error artifact saved",
		slog.String("session_id", sessionID),
		slog.String("name", name))
	return relPath, nil
}

// SaveModuleJSON writes a named module artifact as JSON into the module tree
// read by the report compiler. An empty session writes into the shared scope.
func (s *Store) SaveModuleJSON(sessionID, module string, payload any) (string, error) {
	data, degraded, err := MarshalSanitized(payload)
	if err != nil {
		return "", fmt.Errorf("serializing module %s: %w", module, err)
	}
	if degraded {
		s.logger.Warn("module payload sanitized before save",
			slog.String("session_id", sessionID),
			slog.String("module", module))
	}
	return s.saveModule(sessionID, module, "json", data)
}

// SaveModuleMarkdown writes a named module artifact as Markdown into the
// module tree. Markdown artifacts take precedence over JSON during report
// compilation.
func (s *Store) SaveModuleMarkdown(sessionID, module string, content []byte) (string, error) {
	return s.saveModule(sessionID, module, "md", content)
}

func (s *Store) saveModule(sessionID, module, ext string, data []byte) (string, error) {
	if module == "" {
		return "", fmt.Errorf("module name is required")
	}
	scope := sessionID
	if scope == "" {
		scope = sharedModuleScope
	}

	dir := filepath.Join(modulesTree, scope)
	if err := s.ensureDir(dir); err != nil {
		return "", err
	}
	name, err := s.uniqueName(dir, module, ext)
	if err != nil {
		return "", err
	}
	relPath := filepath.Join(dir, name)
	if err := s.sandbox.AtomicWrite(relPath, data); err != nil {
		return "", fmt.Errorf("writing module %s: %w", module, err)
	}

	s.logger.Debug("module artifact saved",
		slog.String("session_id", scope),
		slog.String("module", module),
		slog.String("format", ext))
	return relPath, nil
}

// LoadModule returns the latest artifact for a module name, preferring
// Markdown over JSON. The markdown return reports which format was found.
// Returns models.ErrArtifactNotFound when the module has no artifact in
// either the session scope or the shared scope.
func (s *Store) LoadModule(sessionID, module string) (data []byte, markdown bool, err error) {
	for _, scope := range []string{sessionID, sharedModuleScope} {
		if scope == "" {
			continue
		}
		dir := filepath.Join(modulesTree, scope)
		exists, err := s.sandbox.Exists(dir)
		if err != nil {
			return nil, false, err
		}
		if !exists {
			continue
		}

		if path := s.latestIn(dir, module, "md"); path != "" {
			data, err := s.sandbox.ReadFile(path)
			return data, true, err
		}
		if path := s.latestIn(dir, module, "json"); path != "" {
			data, err := s.sandbox.ReadFile(path)
			return data, false, err
		}
	}
	return nil, false, fmt.Errorf("module %s for session %s: %w", module, sessionID, models.ErrArtifactNotFound)
}

// SaveReport writes the final report for a session to
// `reports/<session>/final_report.md` and returns its path relative to the
// root. Unlike stage artifacts the report path is stable; a re-run
// overwrites it atomically.
func (s *Store) SaveReport(sessionID string, markdownContent []byte) (string, error) {
	if sessionID == "" {
		return "", models.ErrSessionIDRequired
	}

	dir := filepath.Join(reportsTree, sessionID)
	if err := s.ensureDir(dir); err != nil {
		return "", err
	}
	relPath := filepath.Join(dir, reportFileName)
	if err := s.sandbox.AtomicWrite(relPath, markdownContent); err != nil {
		return "", fmt.Errorf("writing final report: %w", err)
	}

	s.logger.Info("final report saved",
		slog.String("session_id", sessionID),
		slog.Int("bytes", len(markdownContent)))
	return relPath, nil
}

// ListScreenshots returns the session's screenshot artifacts (png, jpeg or
// webp) as paths relative to the root, in name order. Screenshot capture is
// external; a session without a screenshots directory simply has none.
func (s *Store) ListScreenshots(sessionID string) ([]string, error) {
	if sessionID == "" {
		return nil, models.ErrSessionIDRequired
	}
	dir := filepath.Join(screenshotsTree, sessionID)
	exists, err := s.sandbox.Exists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	entries, err := s.sandbox.List(dir)
	if err != nil {
		return nil, fmt.Errorf("listing screenshots: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".webp":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// ReportPath returns the relative path of a session's final report, or
// models.ErrArtifactNotFound if none has been written.
func (s *Store) ReportPath(sessionID string) (string, error) {
	relPath := filepath.Join(reportsTree, sessionID, reportFileName)
	exists, err := s.sandbox.Exists(relPath)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("report for session %s: %w", sessionID, models.ErrArtifactNotFound)
	}
	return relPath, nil
}

// ListStageFiles enumerates a session's stage artifacts across all category
// trees with latest-wins semantics: for each sub-stage name, the returned
// path is the most recently written artifact.
func (s *Store) ListStageFiles(sessionID string) (map[string]string, error) {
	if sessionID == "" {
		return nil, models.ErrSessionIDRequired
	}

	type candidate struct {
		path string
		ts   string
		name string
	}
	latest := map[string]candidate{}

	categories, err := s.sandbox.List(".")
	if err != nil {
		return nil, fmt.Errorf("listing artifact root: %w", err)
	}
	for _, entry := range categories {
		if !entry.IsDir() || reservedTrees[entry.Name()] {
			continue
		}
		dir := filepath.Join(entry.Name(), sessionID)
		exists, err := s.sandbox.Exists(dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		files, err := s.sandbox.List(dir)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			sub, ts, ext, ok := parseArtifactName(f.Name())
			if !ok || ext != "json" {
				continue
			}
			cur, seen := latest[sub]
			// Timestamps sort lexicographically; the full file name breaks
			// same-millisecond ties.
			if !seen || ts > cur.ts || (ts == cur.ts && f.Name() > cur.name) {
				latest[sub] = candidate{path: filepath.Join(dir, f.Name()), ts: ts, name: f.Name()}
			}
		}
	}

	out := make(map[string]string, len(latest))
	for sub, c := range latest {
		out[sub] = c.path
	}
	return out, nil
}

// LoadStage re-reads the latest artifact for a sub-stage and returns its raw
// JSON bytes. Returns models.ErrArtifactNotFound when no artifact exists.
func (s *Store) LoadStage(sessionID, subStage string) ([]byte, error) {
	files, err := s.ListStageFiles(sessionID)
	if err != nil {
		return nil, err
	}
	path, ok := files[subStage]
	if !ok {
		return nil, fmt.Errorf("sub-stage %s for session %s: %w", subStage, sessionID, models.ErrArtifactNotFound)
	}

	data, err := s.sandbox.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s artifact: %w", subStage, err)
	}
	return data, nil
}

// LoadStageJSON re-reads the latest artifact for a sub-stage and unmarshals
// it into out.
func (s *Store) LoadStageJSON(sessionID, subStage string, out any) error {
	data, err := s.LoadStage(sessionID, subStage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s artifact: %w", subStage, err)
	}
	return nil
}

// Cleanup removes artifacts older than the given age and prunes emptied
// directories. Session-state files under sessions/ are owned by the session
// manager and are left alone. Returns the number of files removed; running
// it again with no intervening writes removes nothing.
func (s *Store) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	removed := 0
	var dirs []string

	err := s.sandbox.Walk(".", func(rel string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if rel == "." {
			return nil
		}
		top := topLevel(rel)
		if top == sessionsTree {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if !reservedTrees[rel] && rel != top {
				dirs = append(dirs, rel)
			}
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := s.sandbox.Remove(rel); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping artifact root: %w", err)
	}

	// Deepest directories first so emptied parents become removable too.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		// Remove refuses non-empty directories, which is exactly the
		// behavior wanted here.
		_ = s.sandbox.Remove(dir)
	}

	if removed > 0 {
		s.logger.Info("artifact cleanup completed",
			slog.Int("removed", removed),
			slog.Duration("older_than", olderThan))
	}
	return removed, nil
}

// ensureDir creates a directory inside the sandbox. Creation is retried once
// before the error propagates.
func (s *Store) ensureDir(rel string) error {
	if err := s.sandbox.MkdirAll(rel); err == nil {
		return nil
	}
	if err := s.sandbox.MkdirAll(rel); err != nil {
		return fmt.Errorf("creating artifact directory %s: %w", rel, err)
	}
	return nil
}

// uniqueName builds a timestamped file name for an artifact, appending a
// short random suffix if a file for the same millisecond already exists.
func (s *Store) uniqueName(dir, base, ext string) (string, error) {
	ts := models.ArtifactTimestamp(s.now())
	name := fmt.Sprintf("%s_%s.%s", base, ts, ext)
	exists, err := s.sandbox.Exists(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if !exists {
		return name, nil
	}
	return fmt.Sprintf("%s_%s_%s.%s", base, ts, randomSuffix(), ext), nil
}

// latestIn returns the newest artifact path in dir matching the given base
// name and extension, or "" when none match.
func (s *Store) latestIn(dir, base, ext string) string {
	files, err := s.sandbox.List(dir)
	if err != nil {
		return ""
	}
	var bestPath, bestName, bestTS string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name, ts, e, ok := parseArtifactName(f.Name())
		if !ok || name != base || e != ext {
			continue
		}
		if bestPath == "" || ts > bestTS || (ts == bestTS && f.Name() > bestName) {
			bestPath = filepath.Join(dir, f.Name())
			bestName = f.Name()
			bestTS = ts
		}
	}
	return bestPath
}

// parseArtifactName splits an artifact file name into its sub-stage (or
// module) name, timestamp, and extension.
func parseArtifactName(fileName string) (name, ts, ext string, ok bool) {
	m := artifactNamePattern.FindStringSubmatch(fileName)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// topLevel returns the first path element of a relative path.
func topLevel(rel string) string {
	first, _, found := strings.Cut(rel, string(filepath.Separator))
	if !found {
		return rel
	}
	return first
}

func randomSuffix() string {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "0000"
	}
	return hex.EncodeToString(b)
}
