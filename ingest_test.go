package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/ingestion"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/security"
)

type stubFileIngester struct {
	failing map[string]error
	seen    []string
	cancel  context.CancelFunc
}

func (s *stubFileIngester) IngestFile(_ context.Context, _ security.SecurityContext, path string, _ router.IngestOptions) (ingestion.Result, error) {
	s.seen = append(s.seen, path)
	if s.cancel != nil && path == "b.txt" {
		s.cancel()
		return ingestion.Result{}, context.Canceled
	}
	if err, ok := s.failing[path]; ok {
		return ingestion.Result{}, err
	}
	return ingestion.Result{Filename: path}, nil
}

func TestIngestFilesContinuesPastFailures(t *testing.T) {
	stub := &stubFileIngester{failing: map[string]error{"b.exe": errors.New("unsupported format")}}
	var logs bytes.Buffer
	var emitted []string
	emit := func(v any) error {
		emitted = append(emitted, v.(ingestion.Result).Filename)
		return nil
	}

	failed, err := ingestFiles(context.Background(), stub, security.SecurityContext{UserID: "u1", TenantID: "t1"},
		[]string{"a.txt", "b.exe", "c.md"}, router.IngestOptions{}, log.New(&logs, "", 0), emit)
	require.NoError(t, err)

	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"a.txt", "b.exe", "c.md"}, stub.seen)
	assert.Equal(t, []string{"a.txt", "c.md"}, emitted)
	assert.Contains(t, logs.String(), "ingest b.exe: unsupported format")
}

func TestIngestFilesStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub := &stubFileIngester{cancel: cancel}
	var logs bytes.Buffer

	failed, err := ingestFiles(ctx, stub, security.SecurityContext{UserID: "u1", TenantID: "t1"},
		[]string{"a.txt", "b.txt", "c.txt"}, router.IngestOptions{}, log.New(&logs, "", 0), func(any) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, failed)
	assert.Equal(t, []string{"a.txt", "b.txt"}, stub.seen)
}

func TestIngestFilesStopsWhenEmitFails(t *testing.T) {
	stub := &stubFileIngester{}
	broken := errors.New("broken pipe")

	_, err := ingestFiles(context.Background(), stub, security.SecurityContext{UserID: "u1", TenantID: "t1"},
		[]string{"a.txt", "b.txt"}, router.IngestOptions{}, log.New(&bytes.Buffer{}, "", 0), func(any) error { return broken })
	require.ErrorIs(t, err, broken)
	assert.Equal(t, []string{"a.txt"}, stub.seen)
}
