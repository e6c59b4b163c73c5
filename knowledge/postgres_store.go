package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the graph in graph_nodes/graph_edges and ranks labels
// with pg_trgm similarity.
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertNode(ctx context.Context, tenantID, label, entityType, documentID string) (GraphNode, bool, error) {
	node := GraphNode{TenantID: tenantID}
	var inserted bool
	err := s.db.QueryRow(ctx, `
		INSERT INTO graph_nodes (id, tenant_id, label, label_key, entity_type, document_ids)
		VALUES ($1, $2, $3, $4, $5, ARRAY[$6::text])
		ON CONFLICT (tenant_id, label_key, entity_type) DO UPDATE
		SET document_ids = CASE
				WHEN $6::text = ANY(graph_nodes.document_ids) THEN graph_nodes.document_ids
				ELSE array_append(graph_nodes.document_ids, $6::text)
			END,
			updated_at = NOW()
		RETURNING id, label, entity_type, properties, document_ids, (xmax = 0) AS inserted
	`, uuid.NewString(), tenantID, strings.TrimSpace(label), labelKey(label), entityType, documentID).
		Scan(&node.ID, &node.Label, &node.EntityType, &node.Properties, &node.DocumentIDs, &inserted)
	if err != nil {
		return GraphNode{}, false, fmt.Errorf("upsert graph node: %w", err)
	}
	return node, inserted, nil
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, tenantID, sourceID, targetID, relationship string) (GraphEdge, bool, error) {
	edge := GraphEdge{SourceID: sourceID, TargetID: targetID, Relationship: relationship, TenantID: tenantID}
	var inserted bool
	err := s.db.QueryRow(ctx, `
		INSERT INTO graph_edges (id, tenant_id, source_id, target_id, relationship, weight)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (tenant_id, source_id, target_id, relationship) DO UPDATE
		SET weight = graph_edges.weight + 1,
			updated_at = NOW()
		RETURNING id, weight, properties, (xmax = 0) AS inserted
	`, uuid.NewString(), tenantID, sourceID, targetID, relationship).
		Scan(&edge.ID, &edge.Weight, &edge.Properties, &inserted)
	if err != nil {
		return GraphEdge{}, false, fmt.Errorf("upsert graph edge: %w", err)
	}
	return edge, inserted, nil
}

func (s *PostgresStore) SimilarNodes(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]GraphNode, error) {
	return s.queryNodes(ctx, tenantID, `
		SELECT id, label, entity_type, properties, document_ids
		FROM graph_nodes
		WHERE tenant_id = $1 AND similarity(label, $2) > $3
		ORDER BY similarity(label, $2) DESC, label
		LIMIT $4
	`, tenantID, text, threshold, limit)
}

func (s *PostgresStore) EdgesTouching(ctx context.Context, tenantID string, nodeIDs []string, limit int) ([]GraphEdge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, source_id, target_id, relationship, weight, properties
		FROM graph_edges
		WHERE tenant_id = $1 AND (source_id = ANY($2) OR target_id = ANY($2))
		ORDER BY weight DESC, id
		LIMIT $3
	`, tenantID, nodeIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("query graph edges: %w", err)
	}
	defer rows.Close()

	edges := make([]GraphEdge, 0)
	for rows.Next() {
		edge := GraphEdge{TenantID: tenantID}
		if err := rows.Scan(&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Relationship, &edge.Weight, &edge.Properties); err != nil {
			return nil, fmt.Errorf("scan graph edge: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (s *PostgresStore) NodesByID(ctx context.Context, tenantID string, ids []string) ([]GraphNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryNodes(ctx, tenantID, `
		SELECT id, label, entity_type, properties, document_ids
		FROM graph_nodes
		WHERE tenant_id = $1 AND id = ANY($2)
		ORDER BY label
	`, tenantID, ids)
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (Stats, error) {
	stats := Stats{EntityTypes: []TypeCount{}}
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM graph_nodes WHERE tenant_id = $1),
			(SELECT COUNT(*) FROM graph_edges WHERE tenant_id = $1)
	`, tenantID).Scan(&stats.TotalNodes, &stats.TotalEdges)
	if err != nil {
		return Stats{}, fmt.Errorf("count graph rows: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT entity_type, COUNT(*) AS cnt
		FROM graph_nodes
		WHERE tenant_id = $1
		GROUP BY entity_type
		ORDER BY cnt DESC, entity_type
	`, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("query entity types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return Stats{}, fmt.Errorf("scan entity type: %w", err)
		}
		stats.EntityTypes = append(stats.EntityTypes, tc)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM graph_edges WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete graph edges: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM graph_nodes WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete graph nodes: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryNodes(ctx context.Context, tenantID, query string, args ...any) ([]GraphNode, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query graph nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]GraphNode, 0)
	for rows.Next() {
		node := GraphNode{TenantID: tenantID}
		if err := rows.Scan(&node.ID, &node.Label, &node.EntityType, &node.Properties, &node.DocumentIDs); err != nil {
			return nil, fmt.Errorf("scan graph node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
