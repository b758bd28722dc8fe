// Package audit records security relevant events. Recording never fails the
// operation that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger records audit events. Callers record only after the state change the
// event describes has been committed.
type Logger interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// prepare fills in the id and timestamp when the caller left them empty.
func prepare(event *domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// StreamLogger writes every event as one JSON line.
type StreamLogger struct {
	logger zerolog.Logger
}

// NewStreamLogger writes to w, or stdout when w is nil.
func NewStreamLogger(w io.Writer) *StreamLogger {
	if w == nil {
		w = os.Stdout
	}
	return &StreamLogger{logger: zerolog.New(w).With().Logger()}
}

func (l *StreamLogger) Record(_ context.Context, event domain.AuditEvent) {
	prepare(&event)

	entry, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal audit event to JSON")
		l.logger.Log().
			Str("action", string(event.Action)).
			Str("user_id", event.UserID).
			Str("provider", string(event.Provider)).
			Msg("Audit Log (fallback)")
		return
	}

	l.logger.Log().RawJSON("audit_event", entry).Msg("")
}

// RepositoryLogger appends events to a durable store. Failures are logged and
// swallowed.
type RepositoryLogger struct {
	repo    domain.AuditEventRepository
	timeout time.Duration
}

func NewRepositoryLogger(repo domain.AuditEventRepository) *RepositoryLogger {
	return &RepositoryLogger{repo: repo, timeout: 5 * time.Second}
}

func (l *RepositoryLogger) Record(ctx context.Context, event domain.AuditEvent) {
	prepare(&event)

	// The request may already be finished; the event must still be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.repo.Append(ctx, &event); err != nil {
		log.Error().Err(err).
			Str("action", string(event.Action)).
			Str("user_id", event.UserID).
			Msg("Failed to persist audit event")
	}
}

// MetricsLogger counts events per action and provider.
type MetricsLogger struct{}

func (MetricsLogger) Record(_ context.Context, event domain.AuditEvent) {
	metrics.AuditEventsTotal.WithLabelValues(string(event.Action), string(event.Provider)).Inc()
}

// Multi fans an event out to every logger, all with the same id and timestamp.
type Multi []Logger

func (m Multi) Record(ctx context.Context, event domain.AuditEvent) {
	prepare(&event)
	for _, l := range m {
		l.Record(ctx, event)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, domain.AuditEvent) {}

var (
	_ Logger = (*StreamLogger)(nil)
	_ Logger = (*RepositoryLogger)(nil)
	_ Logger = MetricsLogger{}
	_ Logger = Multi(nil)
	_ Logger = Nop{}
)
