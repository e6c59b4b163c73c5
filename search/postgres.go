package search

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docrouter/embeddings"
	"github.com/fabfab/docrouter/security"
)

const (
	graphSeedLimit      = 10
	graphSimilarity     = 0.3
	graphRelevanceScore = 0.7
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func chunkFilter(sc security.SecurityContext, startArg int) (string, []any) {
	return security.BuildQueryFilter(sc, security.NewQuery(security.KindChunks.Qualify("c"))).SQL(startArg)
}

// KeywordRetriever ranks chunks with Postgres full-text search.
type KeywordRetriever struct {
	db Querier
}

func NewKeywordRetriever(db Querier) *KeywordRetriever {
	return &KeywordRetriever{db: db}
}

func (r *KeywordRetriever) Retrieve(ctx context.Context, sc security.SecurityContext, query string, limit int) ([]Result, error) {
	clause, filterArgs := chunkFilter(sc, 3)
	rows, err := r.db.Query(ctx, `
		SELECT c.id::text, left(c.content, 500), d.filename, c.data_class, c.tenant_id,
			ts_rank(c.search_vector, plainto_tsquery('english', $1))::float8 AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.search_vector @@ plainto_tsquery('english', $1)
		  AND `+clause+`
		ORDER BY score DESC, c.id
		LIMIT $2
	`, append([]any{query, limit}, filterArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return scanResults(rows)
}

// VectorRetriever ranks chunks by cosine similarity to the query embedding.
type VectorRetriever struct {
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
	logger   *log.Logger
}

func NewVectorRetriever(pool *pgxpool.Pool, embedder embeddings.Embedder, logger *log.Logger) *VectorRetriever {
	if logger == nil {
		logger = log.Default()
	}
	return &VectorRetriever{pool: pool, embedder: embedder, logger: logger}
}

// Retrieve returns no results, and no error, when the query cannot be
// embedded.
func (r *VectorRetriever) Retrieve(ctx context.Context, sc security.SecurityContext, query string, limit int) ([]Result, error) {
	embedding, err := embeddings.EmbedQuery(ctx, r.embedder, query)
	if err != nil {
		if errors.Is(err, embeddings.ErrUnavailable) && ctx.Err() == nil {
			r.logger.Printf("skip vector search: %v", err)
			return nil, nil
		}
		return nil, err
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := max(limit*10, 10)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	clause, filterArgs := chunkFilter(sc, 3)
	rows, err := conn.Query(ctx, `
		SELECT c.id::text, left(c.content, 500), d.filename, c.data_class, c.tenant_id,
			1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL
		  AND `+clause+`
		ORDER BY c.embedding <=> $1, c.id
		LIMIT $2
	`, append([]any{pgvector.NewVector(embedding), limit}, filterArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return scanResults(rows)
}

// GraphRetriever returns chunks of documents that mention entities resembling
// the query, or that mention their direct neighbours.
type GraphRetriever struct {
	db Querier
}

func NewGraphRetriever(db Querier) *GraphRetriever {
	return &GraphRetriever{db: db}
}

func (r *GraphRetriever) Retrieve(ctx context.Context, sc security.SecurityContext, query string, limit int) ([]Result, error) {
	args := []any{query, limit, graphSimilarity, graphSeedLimit, graphRelevanceScore}
	nodeClause, nodeArgs := security.BuildQueryFilter(sc, security.NewQuery(security.KindGraphNodes.Qualify("n"))).SQL(len(args) + 1)
	args = append(args, nodeArgs...)
	clause, filterArgs := chunkFilter(sc, len(args)+1)
	args = append(args, filterArgs...)

	rows, err := r.db.Query(ctx, `
		WITH seeds AS (
			SELECT n.id, n.document_ids
			FROM graph_nodes n
			WHERE similarity(n.label, $1) > $3
			  AND `+nodeClause+`
			ORDER BY similarity(n.label, $1) DESC, n.label
			LIMIT $4
		),
		connected AS (
			SELECT unnest(s.document_ids) AS document_id FROM seeds s
			UNION
			SELECT unnest(far.document_ids)
			FROM seeds s
			JOIN graph_edges e ON e.source_id = s.id OR e.target_id = s.id
			JOIN graph_nodes far ON far.id = CASE WHEN e.source_id = s.id THEN e.target_id ELSE e.source_id END
		)
		SELECT c.id::text, left(c.content, 500), d.filename, c.data_class, c.tenant_id, $5::float8
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.document_id::text IN (SELECT document_id FROM connected)
		  AND `+clause+`
		ORDER BY d.created_at DESC, c.document_id, c.chunk_index
		LIMIT $2
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("graph search: %w", err)
	}
	return scanResults(rows)
}

func scanResults(rows pgx.Rows) ([]Result, error) {
	defer rows.Close()
	results := make([]Result, 0)
	for rows.Next() {
		var result Result
		if err := rows.Scan(&result.ID, &result.TextSnippet, &result.Source, &result.DataClass, &result.TenantID, &result.Score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

var (
	_ Retriever = (*KeywordRetriever)(nil)
	_ Retriever = (*VectorRetriever)(nil)
	_ Retriever = (*GraphRetriever)(nil)
)
