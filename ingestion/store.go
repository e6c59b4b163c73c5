package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docrouter/knowledge"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/security"
)

// Document is the persisted record of one ingested file.
type Document struct {
	ID                   string           `json:"id"`
	TenantID             string           `json:"tenantId"`
	OwnerID              string           `json:"ownerId"`
	AccessLevel          string           `json:"accessLevel"`
	ProjectID            string           `json:"projectId,omitempty"`
	ACLGroups            []string         `json:"aclGroups"`
	Filename             string           `json:"filename"`
	ProvenanceID         string           `json:"provenanceId"`
	DataClass            router.DataClass `json:"dataClass"`
	Sensitivity          string           `json:"sensitivity"`
	Categories           []string         `json:"categories"`
	ComplianceFrameworks []string         `json:"complianceFrameworks"`
	DecayRate            float64          `json:"decayRate"`
	Confidence           float64          `json:"confidence"`
	Reason               string           `json:"reason"`
	SHA256               string           `json:"sha256"`
	ChunkCount           int              `json:"chunkCount"`
	CreatedAt            time.Time        `json:"createdAt"`
}

func (d Document) Resource() security.Resource {
	return security.Resource{
		TenantID:    d.TenantID,
		OwnerID:     d.OwnerID,
		AccessLevel: security.AccessLevel(d.AccessLevel),
		ProjectID:   d.ProjectID,
		ACLGroups:   d.ACLGroups,
	}
}

// Store persists documents with their chunks and gives transactional access
// to the graph.
type Store interface {
	// SaveDocument writes the document and all its chunks atomically.
	SaveDocument(ctx context.Context, doc Document, chunks []router.Chunk) error
	// WithGraph runs fn against a graph store whose writes commit together.
	WithGraph(ctx context.Context, fn func(knowledge.Store) error) error
	ListDocuments(ctx context.Context, filter security.Query, limit int) ([]Document, error)
	DeleteTenant(ctx context.Context, tenantID string) error
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveDocument(ctx context.Context, doc Document, chunks []router.Chunk) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO documents (id, tenant_id, owner_id, access_level, project_id, acl_groups, filename,
			provenance_id, data_class, sensitivity, categories, compliance_frameworks, decay_rate,
			confidence, reason, sha256, chunk_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, doc.ID, doc.TenantID, doc.OwnerID, doc.AccessLevel, doc.ProjectID, nonNil(doc.ACLGroups), doc.Filename,
		doc.ProvenanceID, string(doc.DataClass), doc.Sensitivity, nonNil(doc.Categories), nonNil(doc.ComplianceFrameworks),
		doc.DecayRate, doc.Confidence, doc.Reason, doc.SHA256, doc.ChunkCount, doc.CreatedAt); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	batch := &pgx.Batch{}
	for idx, chunk := range chunks {
		meta := chunk.Metadata
		var embedding *pgvector.Vector
		if len(chunk.Embedding) > 0 {
			vec := pgvector.NewVector(chunk.Embedding)
			embedding = &vec
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, chunk_index, tenant_id, owner_id, access_level, project_id,
				acl_groups, content, data_class, element_type, page, row_index, columns, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, chunkID(doc.ID, idx), doc.ID, idx, meta.TenantID, meta.UserID, meta.AccessLevel, meta.ProjectID,
			nonNil(meta.ACLGroups), chunk.Text, string(meta.DataClass), meta.ElementType, meta.Page, meta.RowIndex,
			nonNil(meta.Columns), meta, embedding)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const (
	graphTxAttempts  = 3
	deadlockDetected = "40P01"
)

// WithGraph runs fn in a transaction, retrying when Postgres aborts it as a
// deadlock victim. fn must be safe to run again.
func (s *PostgresStore) WithGraph(ctx context.Context, fn func(knowledge.Store) error) error {
	var err error
	for attempt := 1; attempt <= graphTxAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return fn(knowledge.NewPostgresStore(tx))
		})
		if !isDeadlock(err) {
			return err
		}
	}
	return fmt.Errorf("graph transaction after %d attempts: %w", graphTxAttempts, err)
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == deadlockDetected
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter security.Query, limit int) ([]Document, error) {
	clause, args := filter.SQL(2)
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, tenant_id, owner_id, access_level, project_id, acl_groups, filename, provenance_id,
			data_class, sensitivity, categories, compliance_frameworks, decay_rate, confidence, reason,
			sha256, chunk_count, created_at
		FROM documents
		WHERE `+clause+`
		ORDER BY created_at DESC, id
		LIMIT $1
	`, append([]any{limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		var class string
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.OwnerID, &doc.AccessLevel, &doc.ProjectID, &doc.ACLGroups,
			&doc.Filename, &doc.ProvenanceID, &class, &doc.Sensitivity, &doc.Categories, &doc.ComplianceFrameworks,
			&doc.DecayRate, &doc.Confidence, &doc.Reason, &doc.SHA256, &doc.ChunkCount, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.DataClass = router.DataClass(class)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1`, tenantID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE tenant_id = $1`, tenantID); err != nil {
			return fmt.Errorf("delete documents: %w", err)
		}
		return knowledge.NewPostgresStore(tx).DeleteTenant(ctx, tenantID)
	})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ Store = (*PostgresStore)(nil)
