// Package ingestion persists routed documents: chunks and embeddings go to
// Postgres, entities to the graph, and every document leaves an audit event.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/docrouter/audit"
	"github.com/fabfab/docrouter/embeddings"
	"github.com/fabfab/docrouter/knowledge"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/security"
)

const (
	embedBatchSize       = 32
	defaultListLimit     = 50
	maxListLimit         = 500
	defaultWatchDebounce = 500 * time.Millisecond
)

// GraphMirror receives a copy of each document's graph slice.
type GraphMirror interface {
	SyncDocument(ctx context.Context, doc knowledge.MirrorDocument) error
	Purge(ctx context.Context, tenantID string) error
}

type Options struct {
	Store    Store
	Router   *router.Router
	Embedder embeddings.Embedder
	Graph    *knowledge.Builder
	Mirror   GraphMirror
	Audit    *audit.Logger
	Logger   *log.Logger
}

type Service struct {
	store    Store
	router   *router.Router
	embedder embeddings.Embedder
	graph    *knowledge.Builder
	mirror   GraphMirror
	audit    *audit.Logger
	logger   *log.Logger
	now      func() time.Time
	debounce time.Duration
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Service{
		store:    opts.Store,
		router:   opts.Router,
		embedder: opts.Embedder,
		graph:    opts.Graph,
		mirror:   opts.Mirror,
		audit:    opts.Audit,
		logger:   opts.Logger,
		now:      time.Now,
		debounce: defaultWatchDebounce,
	}, nil
}

type Result struct {
	DocumentID     string                      `json:"documentId"`
	Filename       string                      `json:"filename"`
	ProvenanceID   string                      `json:"provenanceId"`
	Classification router.ClassificationResult `json:"classification"`
	ChunkCount     int                         `json:"chunkCount"`
	EmbeddedChunks int                         `json:"embeddedChunks"`
	Graph          knowledge.BuildResult       `json:"graph"`
}

// IngestFile routes the file at path and persists the result.
func (s *Service) IngestFile(ctx context.Context, sc security.SecurityContext, path string, opts router.IngestOptions) (Result, error) {
	if err := sc.Validate(); err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read file: %w", err)
	}
	if opts.DisplayName == "" {
		opts.DisplayName = filepath.Base(path)
	}

	routed, err := s.router.Ingest(ctx, sc, path, opts)
	if err != nil {
		s.audit.Record(ctx, sc, audit.EventIngestFailed, opts.DisplayName, map[string]any{"error": err.Error()})
		return Result{}, err
	}
	return s.persist(ctx, sc, routed, opts.DisplayName, data)
}

// IngestUpload routes an uploaded payload named filename.
func (s *Service) IngestUpload(ctx context.Context, sc security.SecurityContext, filename string, data []byte, opts router.IngestOptions) (Result, error) {
	if err := sc.Validate(); err != nil {
		return Result{}, err
	}
	if opts.DisplayName == "" {
		opts.DisplayName = filepath.Base(filename)
	}

	routed, err := s.router.IngestBytes(ctx, sc, data, filename, opts)
	if err != nil {
		s.audit.Record(ctx, sc, audit.EventIngestFailed, opts.DisplayName, map[string]any{"error": err.Error()})
		return Result{}, err
	}
	return s.persist(ctx, sc, routed, opts.DisplayName, data)
}

func (s *Service) persist(ctx context.Context, sc security.SecurityContext, routed router.Result, filename string, data []byte) (Result, error) {
	hash := sha256.Sum256(data)
	classification := routed.Classification
	chunks := routed.Chunks

	embedded := s.embed(ctx, filename, chunks)

	doc := Document{
		ID:                   uuid.NewString(),
		TenantID:             sc.TenantID,
		Filename:             filename,
		ProvenanceID:         routed.ProvenanceID,
		DataClass:            classification.DataClass,
		Sensitivity:          string(classification.Sensitivity),
		ComplianceFrameworks: classification.ComplianceFrameworks,
		DecayRate:            classification.DecayRate,
		Confidence:           classification.Confidence,
		Reason:               classification.Reason,
		SHA256:               hex.EncodeToString(hash[:]),
		ChunkCount:           len(chunks),
		CreatedAt:            s.now().UTC(),
	}
	for _, category := range classification.Categories {
		doc.Categories = append(doc.Categories, string(category))
	}
	if len(chunks) > 0 {
		meta := chunks[0].Metadata
		doc.OwnerID = meta.UserID
		doc.AccessLevel = meta.AccessLevel
		doc.ProjectID = meta.ProjectID
		doc.ACLGroups = meta.ACLGroups
	} else {
		doc.OwnerID = sc.UserID
		doc.AccessLevel = string(security.AccessTeam)
		doc.ProjectID = sc.ProjectID
		doc.ACLGroups = sc.Groups
	}

	if err := s.store.SaveDocument(ctx, doc, chunks); err != nil {
		return Result{}, fmt.Errorf("save document %s: %w", filename, err)
	}

	result := Result{
		DocumentID:     doc.ID,
		Filename:       filename,
		ProvenanceID:   routed.ProvenanceID,
		Classification: classification,
		ChunkCount:     len(chunks),
		EmbeddedChunks: embedded,
	}

	if s.graph != nil && len(chunks) > 0 {
		plan, err := s.graph.Plan(ctx, chunks, doc.ID, sc.TenantID)
		if err == nil {
			err = s.store.WithGraph(ctx, func(store knowledge.Store) error {
				built, err := s.graph.WithStore(store).Apply(ctx, plan)
				result.Graph = built
				return err
			})
		}
		if err != nil {
			s.logger.Printf("graph build failed for %s: %v", filename, err)
			result.Graph = knowledge.BuildResult{}
		}
	}

	if s.mirror != nil && len(result.Graph.Nodes) > 0 {
		mirrorDoc := knowledge.MirrorDocument{
			ID:        doc.ID,
			TenantID:  doc.TenantID,
			Filename:  doc.Filename,
			DataClass: string(doc.DataClass),
			Nodes:     result.Graph.Nodes,
			Edges:     result.Graph.Edges,
		}
		if err := s.mirror.SyncDocument(ctx, mirrorDoc); err != nil {
			s.logger.Printf("graph mirror failed for %s: %v", filename, err)
		}
	}

	s.audit.Record(ctx, sc, audit.EventDocumentIngested, doc.ID, map[string]any{
		"filename":     filename,
		"dataClass":    doc.DataClass,
		"provenanceId": doc.ProvenanceID,
		"chunks":       len(chunks),
		"embedded":     embedded,
		"graphNodes":   len(result.Graph.Nodes),
	})
	s.logger.Printf("ingested %s as %s (%d chunks, %d embedded)", filename, doc.DataClass, len(chunks), embedded)
	return result, nil
}

// embed attaches embeddings to chunks in batches and returns how many were
// embedded. Failures leave the remaining chunks without a vector.
func (s *Service) embed(ctx context.Context, filename string, chunks []router.Chunk) int {
	if s.embedder == nil || len(chunks) == 0 {
		return 0
	}
	embedded := 0
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Text)
		}

		vectors, err := s.embedder.Embed(ctx, texts)
		if err == nil && len(vectors) != len(texts) {
			err = fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(vectors))
		}
		if err != nil {
			s.logger.Printf("skip embeddings for %s: %v", filename, fmt.Errorf("%w: %w", embeddings.ErrUnavailable, err))
			return embedded
		}
		for i, vector := range vectors {
			chunks[start+i].Embedding = vector
		}
		embedded += len(vectors)
	}
	return embedded
}

// ListDocuments returns the newest documents sc may read.
func (s *Service) ListDocuments(ctx context.Context, sc security.SecurityContext, limit int) ([]Document, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	filter := security.BuildQueryFilter(sc, security.NewQuery(security.KindDocuments))
	docs, err := s.store.ListDocuments(ctx, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// Purge deletes every document, chunk and graph element of the caller's
// tenant. Only admins may purge.
func (s *Service) Purge(ctx context.Context, sc security.SecurityContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if !sc.IsAdmin() {
		s.audit.Record(ctx, sc, audit.EventAccessDenied, sc.TenantID, map[string]any{"action": "purge"})
		return fmt.Errorf("purge tenant %s: %w", sc.TenantID, security.ErrAccessDenied)
	}
	if err := s.store.DeleteTenant(ctx, sc.TenantID); err != nil {
		return fmt.Errorf("purge tenant %s: %w", sc.TenantID, err)
	}
	if s.mirror != nil {
		if err := s.mirror.Purge(ctx, sc.TenantID); err != nil {
			s.logger.Printf("graph mirror purge failed for %s: %v", sc.TenantID, err)
		}
	}
	s.audit.Record(ctx, sc, audit.EventTenantPurged, sc.TenantID, nil)
	return nil
}

func chunkID(documentID string, index int) string {
	namespace, err := uuid.Parse(documentID)
	if err != nil {
		namespace = uuid.NameSpaceURL
	}
	return uuid.NewSHA1(namespace, []byte(strconv.Itoa(index))).String()
}
