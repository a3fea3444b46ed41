// Package progress implements the in-process progress fabric. Each pipeline
// session gets a progress record with a step counter, a bounded update queue
// for pollers, and a bounded log tail. A single fabric-wide lock guards the
// session map and all queues; updates for a session reach a poller in issue
// order. Live subscribers receive the same snapshots over buffered channels
// for the event stream.
package progress

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
)

const (
	// maxQueuedUpdates bounds the per-session poll queue. On overflow the
	// oldest entries are dropped so pollers see the freshest state.
	maxQueuedUpdates = 100

	// maxDrain caps how many snapshots one drain call returns.
	maxDrain = 50

	// maxLogTail bounds the per-session log tail.
	maxLogTail = 50

	// subscriberBuffer is the per-subscriber event buffer.
	subscriberBuffer = 100
)

type session struct {
	id          string
	step        int
	totalSteps  int
	message     string
	startedAt   time.Time
	lastUpdate  time.Time
	complete    bool
	completedAt time.Time

	queue   []models.ProgressUpdate
	logTail []models.ProgressLogEntry
}

// Subscriber receives live snapshots as they are published. A subscriber
// with a session id set only sees that session.
type Subscriber struct {
	ID        string
	SessionID string
	Events    chan models.ProgressUpdate
	Done      chan struct{}
}

// Fabric tracks progress for all sessions in the process. Eviction of
// expired completed sessions is driven externally through Cleanup, by the
// scheduler in server mode.
type Fabric struct {
	mu       sync.Mutex
	sessions map[string]*session
	subs     map[string]*Subscriber

	grace   time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewFabric creates the progress fabric. Completed sessions are evicted
// after the configured grace period.
func NewFabric(cfg config.ProgressConfig, logger *slog.Logger, metrics *observability.Metrics) *Fabric {
	return &Fabric{
		sessions: map[string]*session{},
		subs:     map[string]*Subscriber{},
		grace:    cfg.CleanupGrace(),
		logger:   observability.WithComponent(logger, "progress-fabric"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Grace returns the configured eviction grace period for completed
// sessions.
func (f *Fabric) Grace() time.Duration {
	return f.grace
}

// StartSession creates the progress record for a session, replacing any
// prior record with the same id. Non-positive totalSteps selects the full
// pipeline default.
func (f *Fabric) StartSession(sessionID string, totalSteps int) {
	if totalSteps <= 0 {
		totalSteps = models.DefaultPipelineSteps
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.sessions[sessionID] = &session{
		id:         sessionID,
		totalSteps: totalSteps,
		startedAt:  now,
		lastUpdate: now,
		message:    "starting",
	}

	f.logger.Debug("progress session started",
		slog.String("session_id", sessionID),
		slog.Int("total_steps", totalSteps))
}

// Update records a step advance: it mutates the session state, appends a log
// entry, computes elapsed and estimated remaining time, and enqueues a
// snapshot for pollers. Returns models.ErrSessionNotFound for unknown ids.
func (f *Fabric) Update(sessionID string, step int, message, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}

	now := f.now()
	s.step = step
	s.message = message
	s.lastUpdate = now

	s.logTail = append(s.logTail, models.ProgressLogEntry{
		Timestamp: now,
		Step:      step,
		Message:   message,
		Detail:    detail,
	})
	if len(s.logTail) > maxLogTail {
		s.logTail = s.logTail[len(s.logTail)-maxLogTail:]
	}

	update := f.snapshotLocked(s, detail, now)
	f.enqueueLocked(s, update)
	f.broadcastLocked(update)
	return nil
}

// Complete marks a session finished and enqueues the terminal snapshot. The
// record stays visible for the cleanup grace period.
func (f *Fabric) Complete(sessionID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if message == "" {
		message = "completed"
	}

	now := f.now()
	s.complete = true
	s.completedAt = now
	s.message = message
	s.lastUpdate = now

	s.logTail = append(s.logTail, models.ProgressLogEntry{
		Timestamp: now,
		Step:      s.step,
		Message:   message,
	})
	if len(s.logTail) > maxLogTail {
		s.logTail = s.logTail[len(s.logTail)-maxLogTail:]
	}

	update := f.snapshotLocked(s, "", now)
	f.enqueueLocked(s, update)
	f.broadcastLocked(update)

	f.logger.Debug("progress session completed",
		slog.String("session_id", sessionID),
		slog.Int("steps", s.step))
	return nil
}

// GetStatus returns a snapshot of a session's progress for direct polling.
func (f *Fabric) GetStatus(sessionID string) (*models.ProgressStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	status := f.statusLocked(s)
	return &status, nil
}

// DrainUpdates pops up to max queued snapshots in issue order. Non-positive
// or oversized values of max fall back to the drain cap.
func (f *Fabric) DrainUpdates(sessionID string, max int) ([]models.ProgressUpdate, error) {
	if max <= 0 || max > maxDrain {
		max = maxDrain
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}

	n := min(max, len(s.queue))
	out := make([]models.ProgressUpdate, n)
	copy(out, s.queue[:n])
	s.queue = s.queue[n:]
	return out, nil
}

// ListActive returns status snapshots for all incomplete sessions, oldest
// first.
func (f *Fabric) ListActive() []models.ProgressStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	var active []models.ProgressStatus
	for _, s := range f.sessions {
		if s.complete {
			continue
		}
		active = append(active, f.statusLocked(s))
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].SessionID < active[j].SessionID
		}
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// Subscribe registers a live consumer of progress snapshots. A non-empty
// sessionID narrows the feed to that session. The subscription ends when
// ctx is cancelled or Done is closed.
func (f *Fabric) Subscribe(ctx context.Context, sessionID string) *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscriber{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Events:    make(chan models.ProgressUpdate, subscriberBuffer),
		Done:      make(chan struct{}),
	}
	f.subs[sub.ID] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done:
		}
		f.Unsubscribe(sub.ID)
	}()

	f.logger.Debug("progress subscriber added",
		slog.String("subscriber_id", sub.ID),
		slog.String("session_id", sessionID))
	return sub
}

// Unsubscribe removes a subscriber and closes its event channel.
func (f *Fabric) Unsubscribe(subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subs[subscriberID]; ok {
		close(sub.Events)
		delete(f.subs, subscriberID)
	}
}

// SubscriberCount returns the number of live subscribers.
func (f *Fabric) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Cleanup evicts completed sessions whose completion is older than maxAge.
// Returns the number of sessions removed.
func (f *Fabric) Cleanup(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.now().Add(-maxAge)
	removed := 0
	for id, s := range f.sessions {
		if s.complete && s.completedAt.Before(cutoff) {
			delete(f.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		f.logger.Debug("evicted expired progress sessions", slog.Int("count", removed))
	}
	return removed
}

// broadcastLocked fans a snapshot out to live subscribers. Slow subscribers
// miss snapshots rather than stall progress reporting.
func (f *Fabric) broadcastLocked(update models.ProgressUpdate) {
	for _, sub := range f.subs {
		if sub.SessionID != "" && sub.SessionID != update.SessionID {
			continue
		}
		select {
		case sub.Events <- update:
		default:
		}
	}
}

// enqueueLocked appends a snapshot, dropping the oldest entries on overflow.
func (f *Fabric) enqueueLocked(s *session, update models.ProgressUpdate) {
	s.queue = append(s.queue, update)
	if over := len(s.queue) - maxQueuedUpdates; over > 0 {
		s.queue = s.queue[over:]
		if f.metrics != nil {
			f.metrics.ProgressDropped.Add(float64(over))
		}
		f.logger.Debug("progress queue overflow, dropped oldest updates",
			slog.String("session_id", s.id),
			slog.Int("dropped", over))
	}
}

func (f *Fabric) snapshotLocked(s *session, detail string, now time.Time) models.ProgressUpdate {
	elapsed := now.Sub(s.startedAt).Seconds()
	remaining := 0.0
	if s.step > 0 && !s.complete {
		remaining = elapsed/float64(s.step)*float64(s.totalSteps) - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}

	return models.ProgressUpdate{
		SessionID:        s.id,
		Step:             s.step,
		TotalSteps:       s.totalSteps,
		Message:          s.message,
		Detail:           detail,
		Timestamp:        now,
		Percent:          percent(s),
		ElapsedSeconds:   elapsed,
		RemainingSeconds: remaining,
		Complete:         s.complete,
	}
}

func (f *Fabric) statusLocked(s *session) models.ProgressStatus {
	tail := make([]models.ProgressLogEntry, len(s.logTail))
	copy(tail, s.logTail)

	return models.ProgressStatus{
		SessionID:   s.id,
		Step:        s.step,
		TotalSteps:  s.totalSteps,
		Message:     s.message,
		StartedAt:   s.startedAt,
		LastUpdate:  s.lastUpdate,
		Percent:     percent(s),
		Complete:    s.complete,
		LogTail:     tail,
		QueueDepth:  len(s.queue),
		ElapsedSecs: f.now().Sub(s.startedAt).Seconds(),
	}
}

func percent(s *session) float64 {
	if s.complete {
		return 100
	}
	if s.totalSteps <= 0 {
		return 0
	}
	p := float64(s.step) / float64(s.totalSteps) * 100
	if p > 100 {
		p = 100
	}
	return p
}
