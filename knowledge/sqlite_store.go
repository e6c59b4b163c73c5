package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	label        TEXT NOT NULL,
	label_key    TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	properties   TEXT NOT NULL DEFAULT '{}',
	document_ids TEXT NOT NULL DEFAULT '[]',
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at   TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, label_key, entity_type)
);

CREATE TABLE IF NOT EXISTS graph_edges (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	source_id    TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
	target_id    TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
	relationship TEXT NOT NULL,
	weight       REAL NOT NULL DEFAULT 1 CHECK (weight >= 1),
	properties   TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at   TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, source_id, target_id, relationship),
	CHECK (source_id <> target_id)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_tenant ON graph_nodes(tenant_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(tenant_id, source_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(tenant_id, target_id);
`

// SQLiteStore keeps the graph in a local SQLite file. Similarity is
// computed in process since SQLite has no trigram extension.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps upserts serialised and the in-memory database shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite graph schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, tenantID, label, entityType, documentID string) (GraphNode, bool, error) {
	proposed := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO graph_nodes (id, tenant_id, label, label_key, entity_type, document_ids)
		VALUES (?1, ?2, ?3, ?4, ?5, json_array(?6))
		ON CONFLICT (tenant_id, label_key, entity_type) DO UPDATE
		SET document_ids = CASE
				WHEN EXISTS (SELECT 1 FROM json_each(graph_nodes.document_ids) WHERE value = ?6)
				THEN graph_nodes.document_ids
				ELSE json_insert(graph_nodes.document_ids, '$[#]', ?6)
			END,
			updated_at = datetime('now')
		RETURNING id, label, entity_type, properties, document_ids
	`, proposed, tenantID, strings.TrimSpace(label), labelKey(label), entityType, documentID)

	node, err := scanSQLiteNode(row, tenantID)
	if err != nil {
		return GraphNode{}, false, fmt.Errorf("upsert sqlite node: %w", err)
	}
	return node, node.ID == proposed, nil
}

func (s *SQLiteStore) UpsertEdge(ctx context.Context, tenantID, sourceID, targetID, relationship string) (GraphEdge, bool, error) {
	proposed := uuid.NewString()
	edge := GraphEdge{SourceID: sourceID, TargetID: targetID, Relationship: relationship, TenantID: tenantID}
	var properties string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO graph_edges (id, tenant_id, source_id, target_id, relationship, weight)
		VALUES (?1, ?2, ?3, ?4, ?5, 1)
		ON CONFLICT (tenant_id, source_id, target_id, relationship) DO UPDATE
		SET weight = graph_edges.weight + 1,
			updated_at = datetime('now')
		RETURNING id, weight, properties
	`, proposed, tenantID, sourceID, targetID, relationship).Scan(&edge.ID, &edge.Weight, &properties)
	if err != nil {
		return GraphEdge{}, false, fmt.Errorf("upsert sqlite edge: %w", err)
	}
	edge.Properties = decodeProperties(properties)
	return edge, edge.ID == proposed, nil
}

func (s *SQLiteStore) SimilarNodes(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]GraphNode, error) {
	nodes, err := s.queryNodes(ctx, `
		SELECT id, label, entity_type, properties, document_ids
		FROM graph_nodes WHERE tenant_id = ?1
	`, tenantID)
	if err != nil {
		return nil, err
	}

	type scored struct {
		node  GraphNode
		score float64
	}
	matches := make([]scored, 0)
	for _, node := range nodes {
		if score := Similarity(node.Label, text); score > threshold {
			matches = append(matches, scored{node: node, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].node.Label < matches[j].node.Label
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]GraphNode, len(matches))
	for i, match := range matches {
		out[i] = match.node
	}
	return out, nil
}

func (s *SQLiteStore) EdgesTouching(ctx context.Context, tenantID string, nodeIDs []string, limit int) ([]GraphEdge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	ids, err := json.Marshal(nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("encode node ids: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relationship, weight, properties
		FROM graph_edges
		WHERE tenant_id = ?1
		  AND (source_id IN (SELECT value FROM json_each(?2)) OR target_id IN (SELECT value FROM json_each(?2)))
		ORDER BY weight DESC, id
		LIMIT ?3
	`, tenantID, string(ids), limit)
	if err != nil {
		return nil, fmt.Errorf("query sqlite edges: %w", err)
	}
	defer rows.Close()

	edges := make([]GraphEdge, 0)
	for rows.Next() {
		edge := GraphEdge{TenantID: tenantID}
		var properties string
		if err := rows.Scan(&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Relationship, &edge.Weight, &properties); err != nil {
			return nil, fmt.Errorf("scan sqlite edge: %w", err)
		}
		edge.Properties = decodeProperties(properties)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (s *SQLiteStore) NodesByID(ctx context.Context, tenantID string, ids []string) ([]GraphNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode node ids: %w", err)
	}
	return s.queryNodes(ctx, `
		SELECT id, label, entity_type, properties, document_ids
		FROM graph_nodes
		WHERE tenant_id = ?1 AND id IN (SELECT value FROM json_each(?2))
		ORDER BY label
	`, tenantID, string(encoded))
}

func (s *SQLiteStore) Stats(ctx context.Context, tenantID string) (Stats, error) {
	stats := Stats{EntityTypes: []TypeCount{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_nodes WHERE tenant_id = ?1`, tenantID).Scan(&stats.TotalNodes); err != nil {
		return Stats{}, fmt.Errorf("count sqlite nodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_edges WHERE tenant_id = ?1`, tenantID).Scan(&stats.TotalEdges); err != nil {
		return Stats{}, fmt.Errorf("count sqlite edges: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) AS cnt FROM graph_nodes
		WHERE tenant_id = ?1
		GROUP BY entity_type
		ORDER BY cnt DESC, entity_type
	`, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("query sqlite entity types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return Stats{}, fmt.Errorf("scan sqlite entity type: %w", err)
		}
		stats.EntityTypes = append(stats.EntityTypes, tc)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) DeleteTenant(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE tenant_id = ?1`, tenantID); err != nil {
		return fmt.Errorf("delete sqlite edges: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE tenant_id = ?1`, tenantID); err != nil {
		return fmt.Errorf("delete sqlite nodes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryNodes(ctx context.Context, query, tenantID string, args ...any) ([]GraphNode, error) {
	rows, err := s.db.QueryContext(ctx, query, append([]any{tenantID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query sqlite nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]GraphNode, 0)
	for rows.Next() {
		node, err := scanSQLiteNode(rows, tenantID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteNode(row rowScanner, tenantID string) (GraphNode, error) {
	node := GraphNode{TenantID: tenantID}
	var properties, documentIDs string
	if err := row.Scan(&node.ID, &node.Label, &node.EntityType, &properties, &documentIDs); err != nil {
		return GraphNode{}, fmt.Errorf("scan sqlite node: %w", err)
	}
	node.Properties = decodeProperties(properties)
	if err := json.Unmarshal([]byte(documentIDs), &node.DocumentIDs); err != nil {
		return GraphNode{}, fmt.Errorf("decode document ids: %w", err)
	}
	return node, nil
}

func decodeProperties(raw string) map[string]any {
	properties := map[string]any{}
	if raw == "" {
		return properties
	}
	if err := json.Unmarshal([]byte(raw), &properties); err != nil {
		return map[string]any{}
	}
	return properties
}

func labelKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

var _ Store = (*SQLiteStore)(nil)
