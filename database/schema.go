package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the document, chunk, graph and audit tables. It is
// idempotent and safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"CREATE EXTENSION IF NOT EXISTS pg_trgm",
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			access_level TEXT NOT NULL DEFAULT 'team',
			project_id TEXT NOT NULL DEFAULT '',
			acl_groups TEXT[] NOT NULL DEFAULT '{}',
			filename TEXT NOT NULL,
			provenance_id TEXT NOT NULL,
			data_class TEXT NOT NULL,
			sensitivity TEXT NOT NULL,
			categories TEXT[] NOT NULL DEFAULT '{}',
			compliance_frameworks TEXT[] NOT NULL DEFAULT '{}',
			decay_rate DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL,
			chunk_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id, created_at DESC)",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			access_level TEXT NOT NULL DEFAULT 'team',
			project_id TEXT NOT NULL DEFAULT '',
			acl_groups TEXT[] NOT NULL DEFAULT '{}',
			content TEXT NOT NULL,
			data_class TEXT NOT NULL,
			element_type TEXT NOT NULL DEFAULT '',
			page INT,
			row_index INT,
			columns TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding VECTOR(%d),
			search_vector TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks(tenant_id)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_search ON chunks USING GIN (search_vector)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING ivfflat (embedding vector_cosine_ops)",
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			label TEXT NOT NULL,
			label_key TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}',
			document_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, label_key, entity_type)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_graph_nodes_label_trgm ON graph_nodes USING GIN (label gin_trgm_ops)",
		`CREATE TABLE IF NOT EXISTS graph_edges (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			relationship TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL DEFAULT 1 CHECK (weight >= 1),
			properties JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, source_id, target_id, relationship),
			CHECK (source_id <> target_id)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(tenant_id, source_id)",
		"CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(tenant_id, target_id)",
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			details JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant ON audit_logs(tenant_id, created_at DESC)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
