// Package session persists per-run session state under the sessions tree of
// the artifact root. Active and failed sessions live in sessions/active so a
// failed stage can be re-run in place; completed sessions move to
// sessions/completed. A metadata mirror under sessions/metadata is refreshed
// on every save.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

const (
	activeDir    = "sessions/active"
	completedDir = "sessions/completed"
	metadataDir  = "sessions/metadata"

	// archiveDir receives tar.xz snapshots of swept sessions. Delete leaves
	// this tree alone so archives survive as cold storage.
	archiveDir = "archive"
)

// Manager owns the session state files. State-file moves are serialized
// under its lock; reads go straight to the filesystem.
type Manager struct {
	sandbox *storage.Sandbox
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewManager creates a session manager over the artifact root sandbox.
func NewManager(sandbox *storage.Sandbox, logger *slog.Logger) *Manager {
	return &Manager{
		sandbox: sandbox,
		logger:  observability.WithComponent(logger, "session-manager"),
		now:     time.Now,
	}
}

// Create validates the brief, builds a new active session, and persists it.
func (m *Manager) Create(brief models.Brief) (*models.Session, error) {
	if err := brief.Validate(); err != nil {
		return nil, err
	}

	sess := models.NewSession(brief, m.now())
	if err := m.Save(sess); err != nil {
		return nil, err
	}

	m.logger.Info("session created",
		slog.String("session_id", sess.SessionID),
		slog.String("segment", brief.Segment),
		slog.String("product", brief.Product))
	return sess, nil
}

// Get loads a session's state file, checking active before completed.
// Returns models.ErrSessionNotFound when neither location has it.
func (m *Manager) Get(sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, models.ErrSessionIDRequired
	}

	for _, dir := range []string{activeDir, completedDir} {
		rel := filepath.Join(dir, sessionID+".json")
		exists, err := m.sandbox.Exists(rel)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		data, err := m.sandbox.ReadFile(rel)
		if err != nil {
			return nil, fmt.Errorf("reading session state: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
		}
		return &sess, nil
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
}

// Save writes the session state file to its status-appropriate location and
// refreshes the metadata mirror. A session transitioning to completed moves
// from active to completed; failed sessions stay in active so their stages
// remain re-runnable.
func (m *Manager) Save(sess *models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing session state: %w", err)
	}

	name := sess.SessionID + ".json"
	target := filepath.Join(activeDir, name)
	stale := filepath.Join(completedDir, name)
	if sess.Status == models.SessionCompleted {
		target, stale = stale, target
	}

	if err := m.sandbox.AtomicWrite(target, data); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	exists, err := m.sandbox.Exists(stale)
	if err != nil {
		return err
	}
	if exists {
		if err := m.sandbox.Remove(stale); err != nil {
			return fmt.Errorf("removing stale session state: %w", err)
		}
	}

	if err := m.sandbox.AtomicWrite(filepath.Join(metadataDir, name), data); err != nil {
		return fmt.Errorf("writing session metadata: %w", err)
	}
	return nil
}

// List returns all sessions, newest first. Malformed state files are
// skipped with a warning rather than failing the listing.
func (m *Manager) List() ([]*models.Session, error) {
	var sessions []*models.Session

	for _, dir := range []string{activeDir, completedDir} {
		exists, err := m.sandbox.Exists(dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		entries, err := m.sandbox.List(dir)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			data, err := m.sandbox.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading session state: %w", err)
			}
			var sess models.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				m.logger.Warn("skipping malformed session state file",
					slog.String("file", entry.Name()),
					slog.String("error", err.Error()))
				continue
			}
			sessions = append(sessions, &sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Delete removes a session's state files and its per-session artifact trees.
// Archives under the archive tree are kept. Returns whether anything was
// removed.
func (m *Manager) Delete(sessionID string) (bool, error) {
	if sessionID == "" {
		return false, models.ErrSessionIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	for _, dir := range []string{activeDir, completedDir, metadataDir} {
		rel := filepath.Join(dir, sessionID+".json")
		exists, err := m.sandbox.Exists(rel)
		if err != nil {
			return removed, err
		}
		if !exists {
			continue
		}
		if err := m.sandbox.Remove(rel); err != nil {
			return removed, fmt.Errorf("removing session state: %w", err)
		}
		removed = true
	}

	trees, err := m.sessionTrees(sessionID)
	if err != nil {
		return removed, err
	}
	for _, rel := range trees {
		if err := m.sandbox.RemoveAll(rel); err != nil {
			return removed, fmt.Errorf("removing session artifacts: %w", err)
		}
		removed = true
	}

	if removed {
		m.logger.Info("session deleted", slog.String("session_id", sessionID))
	}
	return removed, nil
}

// SweepOld archives and removes sessions whose last update is older than
// maxAge. With archiving disabled the sessions are removed outright.
// Returns the number of sessions swept.
func (m *Manager) SweepOld(maxAge time.Duration, archiveOld bool) (int, error) {
	cutoff := m.now().Add(-maxAge)

	sessions, err := m.List()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sess := range sessions {
		if sess.LastUpdated.After(cutoff) {
			continue
		}
		if archiveOld {
			if err := m.archiveSession(sess.SessionID); err != nil {
				m.logger.Warn("archiving session failed, leaving it in place",
					slog.String("session_id", sess.SessionID),
					slog.String("error", err.Error()))
				continue
			}
		}
		if _, err := m.Delete(sess.SessionID); err != nil {
			m.logger.Warn("removing swept session failed",
				slog.String("session_id", sess.SessionID),
				slog.String("error", err.Error()))
			continue
		}
		swept++
	}

	if swept > 0 {
		m.logger.Info("session sweep completed",
			slog.Int("swept", swept),
			slog.Bool("archived", archiveOld))
	}
	return swept, nil
}

// archiveSession snapshots everything belonging to a session into
// archive/<id>.tar.xz, preserving the on-disk layout.
func (m *Manager) archiveSession(sessionID string) error {
	trees := map[string]string{}

	sessionDirs, err := m.sessionTrees(sessionID)
	if err != nil {
		return err
	}
	for _, rel := range sessionDirs {
		abs, err := m.sandbox.ResolvePath(rel)
		if err != nil {
			return err
		}
		trees[filepath.ToSlash(rel)] = abs
	}

	for _, dir := range []string{activeDir, completedDir, metadataDir} {
		rel := filepath.Join(dir, sessionID+".json")
		exists, err := m.sandbox.Exists(rel)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		abs, err := m.sandbox.ResolvePath(rel)
		if err != nil {
			return err
		}
		trees[filepath.ToSlash(rel)] = abs
	}

	if len(trees) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := storage.ArchiveTrees(&buf, trees); err != nil {
		return fmt.Errorf("building session archive: %w", err)
	}
	target := filepath.Join(archiveDir, sessionID+".tar.xz")
	if err := m.sandbox.AtomicWrite(target, buf.Bytes()); err != nil {
		return fmt.Errorf("writing session archive: %w", err)
	}

	m.logger.Info("session archived",
		slog.String("session_id", sessionID),
		slog.Int("bytes", buf.Len()))
	return nil
}

// sessionTrees lists the per-session directories under every category tree,
// the error tree, the module tree, and the report tree.
func (m *Manager) sessionTrees(sessionID string) ([]string, error) {
	entries, err := m.sandbox.List(".")
	if err != nil {
		return nil, fmt.Errorf("listing artifact root: %w", err)
	}

	var trees []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "sessions" || entry.Name() == archiveDir {
			continue
		}
		rel := filepath.Join(entry.Name(), sessionID)
		exists, err := m.sandbox.Exists(rel)
		if err != nil {
			return nil, err
		}
		if exists {
			trees = append(trees, rel)
		}
	}
	return trees, nil
}
