package knowledge

import (
	"context"
	"fmt"
	"log"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// MirrorDocument is what the Neo4j mirror records for one ingested document.
type MirrorDocument struct {
	ID        string
	TenantID  string
	Filename  string
	DataClass string
	Nodes     []GraphNode
	Edges     []GraphEdge
}

// Neo4jMirror keeps a browsable copy of the graph in Neo4j:
// (:Document)-[:MENTIONS]->(:Entity)-[:CO_OCCURS]->(:Entity).
// Postgres stays the source of truth.
type Neo4jMirror struct {
	driver neo4j.DriverWithContext
	logger *log.Logger
}

func NewNeo4jMirror(driver neo4j.DriverWithContext, logger *log.Logger) *Neo4jMirror {
	if logger == nil {
		logger = log.Default()
	}
	return &Neo4jMirror{driver: driver, logger: logger}
}

func (m *Neo4jMirror) EnsureConstraints(ctx context.Context) error {
	if m.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT document_key IF NOT EXISTS FOR (d:Document) REQUIRE (d.tenant_id, d.id) IS UNIQUE`,
		`CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (e:Entity) REQUIRE (e.tenant_id, e.id) IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("create neo4j constraint: %w", err)
		}
	}
	return nil
}

func (m *Neo4jMirror) SyncDocument(ctx context.Context, doc MirrorDocument) error {
	if m.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	nodes := make([]map[string]any, 0, len(doc.Nodes))
	for _, node := range doc.Nodes {
		nodes = append(nodes, map[string]any{
			"id":    node.ID,
			"label": node.Label,
			"type":  node.EntityType,
		})
	}
	edges := make([]map[string]any, 0, len(doc.Edges))
	for _, edge := range doc.Edges {
		edges = append(edges, map[string]any{
			"source":       edge.SourceID,
			"target":       edge.TargetID,
			"relationship": edge.Relationship,
			"weight":       edge.Weight,
		})
	}

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {tenant_id: $tenant, id: $id})
			SET d.filename = $filename,
			    d.data_class = $data_class,
			    d.updated_at = datetime()
		`, map[string]any{
			"tenant":     doc.TenantID,
			"id":         doc.ID,
			"filename":   doc.Filename,
			"data_class": doc.DataClass,
		}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if len(nodes) > 0 {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {tenant_id: $tenant, id: $id})
				UNWIND $nodes AS n
				MERGE (e:Entity {tenant_id: $tenant, id: n.id})
				SET e.label = n.label,
				    e.entity_type = n.type
				MERGE (d)-[:MENTIONS]->(e)
			`, map[string]any{"tenant": doc.TenantID, "id": doc.ID, "nodes": nodes}); err != nil {
				return nil, fmt.Errorf("upsert entity nodes: %w", err)
			}
		}

		if len(edges) > 0 {
			if _, err := tx.Run(ctx, `
				UNWIND $edges AS r
				MATCH (a:Entity {tenant_id: $tenant, id: r.source})
				MATCH (b:Entity {tenant_id: $tenant, id: r.target})
				MERGE (a)-[c:CO_OCCURS]->(b)
				SET c.weight = r.weight,
				    c.relationship = r.relationship
			`, map[string]any{"tenant": doc.TenantID, "edges": edges}); err != nil {
				return nil, fmt.Errorf("upsert co-occurrence edges: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	m.logger.Printf("mirrored %s to neo4j (%d entities, %d edges)", doc.ID, len(nodes), len(edges))
	return nil
}

// Purge removes every mirrored node of the tenant.
func (m *Neo4jMirror) Purge(ctx context.Context, tenantID string) error {
	if m.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (n {tenant_id: $tenant})
			WHERE n:Document OR n:Entity
			DETACH DELETE n
		`, map[string]any{"tenant": tenantID}); err != nil {
			return nil, fmt.Errorf("purge neo4j tenant: %w", err)
		}
		return nil, nil
	})
	return err
}
