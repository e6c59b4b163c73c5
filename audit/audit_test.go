package audit

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/security"
)

type memorySink struct {
	events []Event
	err    error
}

func (s *memorySink) Write(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestRecordLogsAndPersists(t *testing.T) {
	var buf bytes.Buffer
	sink := &memorySink{}
	logger := NewLogger(log.New(&buf, "", 0), sink)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	sc := security.SecurityContext{UserID: "u1", TenantID: "t1"}
	event := logger.Record(context.Background(), sc, EventDocumentIngested, "doc-1", map[string]any{"chunks": 3})

	id, err := ulid.ParseStrict(event.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(fixed.UnixMilli()), id.Time())
	assert.Equal(t, "t1", event.TenantID)
	assert.Equal(t, "u1", event.UserID)

	require.Len(t, sink.events, 1)
	assert.Equal(t, event, sink.events[0])
	assert.Contains(t, buf.String(), `"type":"document_ingested"`)
	assert.Contains(t, buf.String(), `"resourceId":"doc-1"`)
}

func TestRecordSurvivesSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(log.New(&buf, "", 0), &memorySink{err: errors.New("db down")})

	event := logger.Record(context.Background(), security.SecurityContext{UserID: "u1", TenantID: "t1"}, EventSearch, "", nil)

	assert.NotEmpty(t, event.ID)
	assert.True(t, strings.Contains(buf.String(), "db down"))
}

func TestRecordIDsAreUnique(t *testing.T) {
	logger := NewLogger(log.New(&bytes.Buffer{}, "", 0), nil)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		event := logger.Record(context.Background(), security.SecurityContext{}, EventSearch, "", nil)
		_, dup := seen[event.ID]
		require.False(t, dup)
		seen[event.ID] = struct{}{}
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	assert.Equal(t, Event{}, logger.Record(context.Background(), security.SecurityContext{}, EventSearch, "", nil))
}

type recordingExec struct {
	sql  string
	args []any
}

func (r *recordingExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.CommandTag{}, nil
}

func TestPostgresSinkWritesAllColumns(t *testing.T) {
	db := &recordingExec{}
	event := Event{ID: "01J", Type: EventTenantPurged, TenantID: "t1", UserID: "admin", Time: time.Unix(0, 0).UTC()}

	require.NoError(t, NewPostgresSink(db).Write(context.Background(), event))

	assert.Contains(t, db.sql, "INSERT INTO audit_logs")
	require.Len(t, db.args, 7)
	assert.Equal(t, "tenant_purged", db.args[3])
	assert.Equal(t, map[string]any{}, db.args[5])
}
