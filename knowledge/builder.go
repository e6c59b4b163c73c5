package knowledge

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/fabfab/docrouter/router"
)

const (
	maxRecognitionRunes = 5000
	minEntityLength     = 3
	coOccurrenceWindow  = 5

	similarityThreshold = 0.3
	maxSeedNodes        = 5
	MaxQueryDepth       = 5
	defaultQueryLimit   = 50
)

var ErrInvalidDepth = fmt.Errorf("depth must be between 1 and %d", MaxQueryDepth)

type Builder struct {
	store      Store
	recognizer Recognizer
	logger     *log.Logger
}

func NewBuilder(store Store, recognizer Recognizer, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{store: store, recognizer: recognizer, logger: logger}
}

// WithStore returns a builder sharing the recognizer but writing to store,
// typically a transaction-scoped store.
func (b *Builder) WithStore(store Store) *Builder {
	return &Builder{store: store, recognizer: b.recognizer, logger: b.logger}
}

type BuildResult struct {
	NodesCreated    int         `json:"nodesCreated"`
	NodesUpdated    int         `json:"nodesUpdated"`
	EdgesCreated    int         `json:"edgesCreated"`
	EdgesReinforced int         `json:"edgesReinforced"`
	Nodes           []GraphNode `json:"-"`
	Edges           []GraphEdge `json:"-"`
}

// Plan is the outcome of entity recognition for one document. It touches no
// store, so it can be computed before a write transaction is opened.
type Plan struct {
	DocumentID string
	TenantID   string
	Entities   []Entity
}

// BuildFromChunks recognises entities in the chunks, upserts one node per
// distinct entity and links each entity to the next four in first-seen order.
// Recognition failures yield an empty result; store failures are returned.
func (b *Builder) BuildFromChunks(ctx context.Context, chunks []router.Chunk, documentID, tenantID string) (BuildResult, error) {
	plan, err := b.Plan(ctx, chunks, documentID, tenantID)
	if err != nil {
		return BuildResult{}, err
	}
	return b.Apply(ctx, plan)
}

// Plan runs entity recognition over the chunks. A missing recognizer or a
// recognition failure yields an empty plan; only cancellation is returned.
func (b *Builder) Plan(ctx context.Context, chunks []router.Chunk, documentID, tenantID string) (Plan, error) {
	plan := Plan{DocumentID: documentID, TenantID: tenantID}
	if b.recognizer == nil {
		b.logger.Printf("skip graph build for %s: no entity recognizer", documentID)
		return plan, nil
	}
	entities, err := b.recognize(ctx, chunks)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Plan{}, ctxErr
		}
		b.logger.Printf("skip graph build for %s: %v", documentID, err)
		return plan, nil
	}
	plan.Entities = entities
	return plan, nil
}

// Apply writes a plan to the store. Nodes are upserted in (label key, entity
// type) order and edges in (source, target) order so that concurrent
// transactions take row locks in the same sequence. Co-occurrence windows
// still follow first-seen order, and the result lists nodes in that order.
func (b *Builder) Apply(ctx context.Context, plan Plan) (BuildResult, error) {
	var result BuildResult
	if len(plan.Entities) == 0 {
		return result, nil
	}

	order := make([]int, len(plan.Entities))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		ea, eb := plan.Entities[a], plan.Entities[b]
		if c := cmp.Compare(labelKey(ea.Text), labelKey(eb.Text)); c != 0 {
			return c
		}
		return cmp.Compare(ea.Label, eb.Label)
	})

	nodes := make([]GraphNode, len(plan.Entities))
	for _, i := range order {
		entity := plan.Entities[i]
		node, created, err := b.store.UpsertNode(ctx, plan.TenantID, entity.Text, entity.Label, plan.DocumentID)
		if err != nil {
			return BuildResult{}, fmt.Errorf("upsert node %q: %w", entity.Text, err)
		}
		if created {
			result.NodesCreated++
		} else {
			result.NodesUpdated++
		}
		nodes[i] = node
	}
	result.Nodes = nodes

	pairs := coOccurrencePairs(nodes)
	for _, pair := range pairs {
		edge, created, err := b.store.UpsertEdge(ctx, plan.TenantID, pair[0], pair[1], RelationshipCoOccurs)
		if err != nil {
			return BuildResult{}, fmt.Errorf("upsert edge %s-%s: %w", pair[0], pair[1], err)
		}
		if created {
			result.EdgesCreated++
		} else {
			result.EdgesReinforced++
		}
		result.Edges = append(result.Edges, edge)
	}

	b.logger.Printf("graph updated for %s: %d nodes created, %d updated, %d edges created, %d reinforced",
		plan.DocumentID, result.NodesCreated, result.NodesUpdated, result.EdgesCreated, result.EdgesReinforced)
	return result, nil
}

// coOccurrencePairs links each node to the next four in slice order and
// returns the canonical pairs sorted by (source, target).
func coOccurrencePairs(nodes []GraphNode) [][2]string {
	pairs := make([][2]string, 0)
	for i := range nodes {
		for j := i + 1; j < min(i+coOccurrenceWindow, len(nodes)); j++ {
			source, target := canonicalPair(nodes[i].ID, nodes[j].ID)
			if source == target {
				continue
			}
			pairs = append(pairs, [2]string{source, target})
		}
	}
	slices.SortFunc(pairs, func(a, b [2]string) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})
	return pairs
}

// recognize returns the distinct entities of all chunks keyed by lower-cased
// text, keeping the first label seen.
func (b *Builder) recognize(ctx context.Context, chunks []router.Chunk) ([]Entity, error) {
	seen := make(map[string]struct{})
	entities := make([]Entity, 0)
	for _, chunk := range chunks {
		spans, err := b.recognizer.Recognize(ctx, truncateRunes(chunk.Text, maxRecognitionRunes))
		if err != nil {
			return nil, err
		}
		for _, span := range spans {
			if utf8.RuneCountInString(span.Text) < minEntityLength {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(span.Text))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			entities = append(entities, span)
		}
	}
	return entities, nil
}

// Query finds up to five nodes whose label resembles entity and returns them
// with the edges touching them and the nodes at the far end. Traversal is a
// single hop for every depth in range.
func (b *Builder) Query(ctx context.Context, entity string, depth int, tenantID string, limit int) (QueryResult, error) {
	if depth < 1 || depth > MaxQueryDepth {
		return QueryResult{}, ErrInvalidDepth
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	result := QueryResult{Nodes: []GraphNode{}, Edges: []GraphEdge{}}

	seeds, err := b.store.SimilarNodes(ctx, tenantID, entity, similarityThreshold, maxSeedNodes)
	if err != nil {
		return QueryResult{}, fmt.Errorf("find seed nodes: %w", err)
	}
	if len(seeds) == 0 {
		return result, nil
	}

	seedIDs := make([]string, len(seeds))
	known := make(map[string]struct{}, len(seeds))
	for i, seed := range seeds {
		seedIDs[i] = seed.ID
		known[seed.ID] = struct{}{}
	}

	edges, err := b.store.EdgesTouching(ctx, tenantID, seedIDs, limit)
	if err != nil {
		return QueryResult{}, fmt.Errorf("load edges: %w", err)
	}

	farIDs := make([]string, 0)
	for _, edge := range edges {
		for _, id := range []string{edge.SourceID, edge.TargetID} {
			if _, ok := known[id]; ok {
				continue
			}
			known[id] = struct{}{}
			farIDs = append(farIDs, id)
		}
	}

	result.Nodes = append(result.Nodes, seeds...)
	if len(farIDs) > 0 {
		far, err := b.store.NodesByID(ctx, tenantID, farIDs)
		if err != nil {
			return QueryResult{}, fmt.Errorf("load neighbour nodes: %w", err)
		}
		result.Nodes = append(result.Nodes, far...)
	}
	result.Edges = append(result.Edges, edges...)
	return result, nil
}

func (b *Builder) Stats(ctx context.Context, tenantID string) (Stats, error) {
	stats, err := b.store.Stats(ctx, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("load graph stats: %w", err)
	}
	return stats, nil
}

func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
