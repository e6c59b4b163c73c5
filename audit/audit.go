// Package audit records who did what to which resource. Every event is
// written as a JSON log line and, when a sink is configured, persisted.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"

	"github.com/fabfab/docrouter/security"
)

type EventType string

const (
	EventDocumentIngested EventType = "document_ingested"
	EventIngestFailed     EventType = "ingest_failed"
	EventSearch           EventType = "search"
	EventGraphQuery       EventType = "graph_query"
	EventClassify         EventType = "classify"
	EventAccessDenied     EventType = "access_denied"
	EventTenantPurged     EventType = "tenant_purged"
)

type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	TenantID   string         `json:"tenantId"`
	UserID     string         `json:"userId"`
	ResourceID string         `json:"resourceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Time       time.Time      `json:"time"`
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

type Logger struct {
	logger *log.Logger
	sink   Sink
	now    func() time.Time
}

func NewLogger(logger *log.Logger, sink Sink) *Logger {
	if logger == nil {
		logger = log.Default()
	}
	return &Logger{logger: logger, sink: sink, now: time.Now}
}

// Record logs the event and hands it to the sink. Sink failures are logged
// and never returned: auditing must not fail the audited operation.
func (l *Logger) Record(ctx context.Context, sc security.SecurityContext, eventType EventType, resourceID string, details map[string]any) Event {
	if l == nil {
		return Event{}
	}
	now := l.now().UTC()
	event := Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:       eventType,
		TenantID:   sc.TenantID,
		UserID:     sc.UserID,
		ResourceID: resourceID,
		Details:    details,
		Time:       now,
	}

	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Printf("audit %s %s: encode event: %v", event.Type, event.ID, err)
	} else {
		l.logger.Printf("audit %s", line)
	}

	if l.sink != nil {
		if err := l.sink.Write(ctx, event); err != nil {
			l.logger.Printf("persist audit event %s: %v", event.ID, err)
		}
	}
	return event
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes events to the audit_logs table.
type PostgresSink struct {
	db execer
}

func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, event Event) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, tenant_id, user_id, event_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.TenantID, event.UserID, string(event.Type), event.ResourceID, details, event.Time)
	return err
}
