// Package logs captures the process log stream into a bounded in-memory
// ring so the log API and SSE feed can serve recent entries without a log
// file. A slog handler wrap tees every record into the ring while the
// original handler keeps writing to its destination.
package logs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultMaxLogs bounds the in-memory ring.
	DefaultMaxLogs = 1000
	// DefaultBufferSize is the per-subscriber event buffer.
	DefaultBufferSize = 100
	// HeartbeatInterval is how often SSE consumers send keepalives.
	HeartbeatInterval = 30 * time.Second

	maxRecentErrors = 10
)

// Entry is one captured log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Stats summarizes the captured stream.
type Stats struct {
	TotalLogs        int64            `json:"total_logs"`
	LogsByLevel      map[string]int64 `json:"logs_by_level"`
	LogsByComponent  map[string]int64 `json:"logs_by_component"`
	RecentErrors     []Entry          `json:"recent_errors"`
	LogRatePerMinute float64          `json:"log_rate_per_minute"`
	OldestTimestamp  *time.Time       `json:"oldest_timestamp,omitempty"`
	NewestTimestamp  *time.Time       `json:"newest_timestamp,omitempty"`
}

// Filter selects entries from the ring. Zero values match everything.
type Filter struct {
	Level     string
	Component string
	SessionID string
}

// Matches reports whether the entry passes the filter.
func (f Filter) Matches(e Entry) bool {
	if f.Level != "" && !strings.EqualFold(f.Level, e.Level) {
		return false
	}
	if f.Component != "" && !strings.EqualFold(f.Component, e.Component) {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	return true
}

// Subscriber receives live entries as they are captured.
type Subscriber struct {
	ID     string
	Events chan *Entry
	Done   chan struct{}
}

// Service holds the log ring, per-level and per-component counters, and
// the live subscriber set.
type Service struct {
	mu          sync.RWMutex
	logs        []Entry
	maxLogs     int
	subscribers map[string]*Subscriber
	totalLogs   int64
	byLevel     map[string]int64
	byComponent map[string]int64
	recent      []Entry
	startTime   time.Time
}

// New creates the logs service.
func New() *Service {
	return &Service{
		logs:        make([]Entry, 0, DefaultMaxLogs),
		maxLogs:     DefaultMaxLogs,
		subscribers: make(map[string]*Subscriber),
		byLevel:     make(map[string]int64),
		byComponent: make(map[string]int64),
		startTime:   time.Now(),
	}
}

// WrapHandler tees records through this service before the wrapped handler
// writes them out.
func (s *Service) WrapHandler(handler slog.Handler) slog.Handler {
	return &captureHandler{service: s, wrapped: handler}
}

// Add records an entry and broadcasts it to subscribers. Slow subscribers
// miss entries rather than stall the logger.
func (s *Service) Add(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	s.totalLogs++
	s.byLevel[entry.Level]++
	if entry.Component != "" {
		s.byComponent[entry.Component]++
	}

	if entry.Level == "error" {
		s.recent = append(s.recent, entry)
		if len(s.recent) > maxRecentErrors {
			s.recent = s.recent[1:]
		}
	}

	if len(s.logs) >= s.maxLogs {
		s.logs = s.logs[1:]
	}
	s.logs = append(s.logs, entry)

	for _, sub := range s.subscribers {
		select {
		case sub.Events <- &entry:
		default:
		}
	}
}

// Subscribe registers a live consumer. The subscription ends when the
// context is cancelled or Done is closed.
func (s *Service) Subscribe(ctx context.Context) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Events: make(chan *Entry, DefaultBufferSize),
		Done:   make(chan struct{}),
	}
	s.subscribers[sub.ID] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done:
		}
		s.Unsubscribe(sub.ID)
	}()

	return sub
}

// Unsubscribe removes a subscriber and closes its event channel.
func (s *Service) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(s.subscribers, subscriberID)
	}
}

// GetStats returns counters and rate for the captured stream.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalLogs:       s.totalLogs,
		LogsByLevel:     make(map[string]int64),
		LogsByComponent: make(map[string]int64),
		RecentErrors:    make([]Entry, len(s.recent)),
	}

	for level, count := range s.byLevel {
		stats.LogsByLevel[level] = count
	}
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, ok := stats.LogsByLevel[level]; !ok {
			stats.LogsByLevel[level] = 0
		}
	}
	for component, count := range s.byComponent {
		stats.LogsByComponent[component] = count
	}
	copy(stats.RecentErrors, s.recent)

	if elapsed := time.Since(s.startTime).Minutes(); elapsed > 0 {
		stats.LogRatePerMinute = float64(s.totalLogs) / elapsed
	}

	if len(s.logs) > 0 {
		oldest := s.logs[0].Timestamp
		newest := s.logs[len(s.logs)-1].Timestamp
		stats.OldestTimestamp = &oldest
		stats.NewestTimestamp = &newest
	}

	return stats
}

// Recent returns the newest matching entries, oldest first, up to limit.
func (s *Service) Recent(limit int, filter Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.logs) {
		limit = len(s.logs)
	}

	// Walk backwards so the limit applies to the newest entries.
	out := make([]Entry, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Matches(s.logs[i]) {
			out = append(out, s.logs[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SubscriberCount returns the number of live subscribers.
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// captureHandler tees slog records into the service.
type captureHandler struct {
	service *Service
	wrapped slog.Handler
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.wrapped.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := Entry{
		ID:        ulid.Make().String(),
		Timestamp: r.Time,
		Level:     levelName(r.Level),
		Message:   r.Message,
		Fields:    make(map[string]any),
	}

	for _, attr := range h.attrs {
		addAttr(&entry, attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(&entry, a)
		return true
	})

	h.service.Add(entry)
	return h.wrapped.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &captureHandler{
		service: h.service,
		wrapped: h.wrapped.WithAttrs(attrs),
		attrs:   merged,
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	// Groups only affect the wrapped output; captured attrs stay flat.
	return &captureHandler{
		service: h.service,
		wrapped: h.wrapped.WithGroup(name),
		attrs:   h.attrs,
	}
}

// addAttr routes well-known attributes into dedicated entry fields and
// everything else into the fields map.
func addAttr(entry *Entry, attr slog.Attr) {
	value := attr.Value.Any()
	switch attr.Key {
	case "component":
		if s, ok := value.(string); ok {
			entry.Component = s
			return
		}
	case "session_id":
		if s, ok := value.(string); ok {
			entry.SessionID = s
			return
		}
	}
	entry.Fields[attr.Key] = value
}

func levelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level == slog.LevelInfo:
		return "info"
	case level == slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
