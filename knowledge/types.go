// Package knowledge builds and queries a tenant-scoped entity graph from
// ingested chunks.
package knowledge

import (
	"context"
	"errors"
)

// ErrRecognitionUnavailable reports that entity recognition could not run.
// Graph building degrades to a no-op when it is returned.
var ErrRecognitionUnavailable = errors.New("entity recognition unavailable")

const RelationshipCoOccurs = "co_occurs"

type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

type Recognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

type GraphNode struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	EntityType  string         `json:"entityType"`
	Properties  map[string]any `json:"properties"`
	DocumentIDs []string       `json:"documentIds"`
	TenantID    string         `json:"tenantId"`
}

type GraphEdge struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"sourceId"`
	TargetID     string         `json:"targetId"`
	Relationship string         `json:"relationship"`
	Weight       float64        `json:"weight"`
	Properties   map[string]any `json:"properties"`
	TenantID     string         `json:"tenantId"`
}

type QueryResult struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type Stats struct {
	TotalNodes  int         `json:"totalNodes"`
	TotalEdges  int         `json:"totalEdges"`
	EntityTypes []TypeCount `json:"entityTypes"`
}

// Store persists graph nodes and edges. UpsertNode and UpsertEdge must be
// atomic: concurrent callers observing the same key end up on one row.
type Store interface {
	UpsertNode(ctx context.Context, tenantID, label, entityType, documentID string) (GraphNode, bool, error)
	UpsertEdge(ctx context.Context, tenantID, sourceID, targetID, relationship string) (GraphEdge, bool, error)
	SimilarNodes(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]GraphNode, error)
	EdgesTouching(ctx context.Context, tenantID string, nodeIDs []string, limit int) ([]GraphEdge, error)
	NodesByID(ctx context.Context, tenantID string, ids []string) ([]GraphNode, error)
	Stats(ctx context.Context, tenantID string) (Stats, error)
	DeleteTenant(ctx context.Context, tenantID string) error
}
