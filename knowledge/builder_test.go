package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/router"
)

// tableRecognizer returns entities for every registered word found in the text.
type tableRecognizer struct {
	mu       sync.Mutex
	entities []Entity
	err      error
	seen     []string
}

func (r *tableRecognizer) Recognize(_ context.Context, text string) ([]Entity, error) {
	r.mu.Lock()
	r.seen = append(r.seen, text)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]Entity, 0)
	for _, entity := range r.entities {
		if strings.Contains(text, entity.Text) {
			out = append(out, entity)
		}
	}
	return out, nil
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func chunks(texts ...string) []router.Chunk {
	out := make([]router.Chunk, len(texts))
	for i, text := range texts {
		out[i] = router.Chunk{Text: text}
	}
	return out
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBuildFromChunksMergesEntityAcrossDocuments(t *testing.T) {
	store := newTestStore(t)
	recognizer := &tableRecognizer{entities: []Entity{{Text: "Acme Corp", Label: "ORG"}, {Text: "Berlin", Label: "GPE"}}}
	builder := NewBuilder(store, recognizer, quietLogger())
	ctx := context.Background()

	first, err := builder.BuildFromChunks(ctx, chunks("Acme Corp opened in Berlin."), "doc-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.NodesCreated)
	assert.Equal(t, 1, first.EdgesCreated)

	second, err := builder.BuildFromChunks(ctx, chunks("Acme Corp is hiring.", "Acme Corp and Berlin again"), "doc-2", "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, second.NodesCreated)
	assert.Equal(t, 2, second.NodesUpdated)
	assert.Equal(t, 0, second.EdgesCreated)
	assert.Equal(t, 1, second.EdgesReinforced)
	assert.Equal(t, 2.0, second.Edges[0].Weight)

	nodes, err := store.SimilarNodes(ctx, "t1", "acme corp", 0.3, 5)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, []string{"doc-1", "doc-2"}, nodes[0].DocumentIDs)

	// repeated ingestion of the same document does not duplicate its id
	_, err = builder.BuildFromChunks(ctx, chunks("Acme Corp"), "doc-2", "t1")
	require.NoError(t, err)
	nodes, err = store.SimilarNodes(ctx, "t1", "acme corp", 0.3, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1", "doc-2"}, nodes[0].DocumentIDs)
}

func TestBuildFromChunksIsTenantScoped(t *testing.T) {
	store := newTestStore(t)
	recognizer := &tableRecognizer{entities: []Entity{{Text: "Acme Corp", Label: "ORG"}}}
	builder := NewBuilder(store, recognizer, quietLogger())

	_, err := builder.BuildFromChunks(context.Background(), chunks("Acme Corp"), "doc-1", "t1")
	require.NoError(t, err)
	result, err := builder.BuildFromChunks(context.Background(), chunks("Acme Corp"), "doc-2", "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, result.NodesCreated)

	nodes, err := store.SimilarNodes(context.Background(), "t2", "Acme Corp", 0.3, 5)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, []string{"doc-2"}, nodes[0].DocumentIDs)
}

func TestBuildFromChunksDedupesAndFiltersEntities(t *testing.T) {
	store := newTestStore(t)
	recognizer := &tableRecognizer{entities: []Entity{
		{Text: "UN", Label: "ORG"},
		{Text: "Paris", Label: "GPE"},
		{Text: "paris", Label: "PERSON"},
		{Text: " Paris ", Label: "ORG"},
	}}
	builder := NewBuilder(store, recognizer, quietLogger())

	result, err := builder.BuildFromChunks(context.Background(), chunks("UN Paris paris  Paris "), "doc-1", "t1")
	require.NoError(t, err)

	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "Paris", result.Nodes[0].Label)
	assert.Equal(t, "GPE", result.Nodes[0].EntityType)
	assert.Zero(t, result.EdgesCreated)
}

func TestBuildFromChunksUsesWindowOfFive(t *testing.T) {
	store := newTestStore(t)
	entities := make([]Entity, 7)
	words := make([]string, 7)
	for i := range entities {
		words[i] = fmt.Sprintf("Entity%02d", i)
		entities[i] = Entity{Text: words[i], Label: "ORG"}
	}
	builder := NewBuilder(store, &tableRecognizer{entities: entities}, quietLogger())

	result, err := builder.BuildFromChunks(context.Background(), chunks(strings.Join(words, " ")), "doc-1", "t1")
	require.NoError(t, err)

	assert.Equal(t, 7, result.NodesCreated)
	assert.Equal(t, 4+4+4+3+2+1, result.EdgesCreated)
	for _, edge := range result.Edges {
		assert.NotEqual(t, edge.SourceID, edge.TargetID)
		assert.Less(t, edge.SourceID, edge.TargetID)
		assert.Equal(t, RelationshipCoOccurs, edge.Relationship)
	}
}

func TestBuildFromChunksTruncatesRecognizerInput(t *testing.T) {
	recognizer := &tableRecognizer{}
	builder := NewBuilder(newTestStore(t), recognizer, quietLogger())

	_, err := builder.BuildFromChunks(context.Background(), chunks(strings.Repeat("é", 6000)), "doc-1", "t1")
	require.NoError(t, err)
	require.Len(t, recognizer.seen, 1)
	assert.Equal(t, 5000, utf8.RuneCountInString(recognizer.seen[0]))
}

func TestBuildFromChunksDegradesWithoutRecognition(t *testing.T) {
	store := newTestStore(t)

	result, err := NewBuilder(store, nil, quietLogger()).BuildFromChunks(context.Background(), chunks("Acme Corp"), "doc-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, BuildResult{}, result)

	failing := &tableRecognizer{err: fmt.Errorf("%w: model offline", ErrRecognitionUnavailable)}
	result, err = NewBuilder(store, failing, quietLogger()).BuildFromChunks(context.Background(), chunks("Acme Corp"), "doc-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, BuildResult{}, result)

	stats, err := store.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalNodes)
}

type failingStore struct {
	*SQLiteStore
}

func (failingStore) UpsertNode(context.Context, string, string, string, string) (GraphNode, bool, error) {
	return GraphNode{}, false, errors.New("disk full")
}

func TestBuildFromChunksPropagatesStoreErrors(t *testing.T) {
	recognizer := &tableRecognizer{entities: []Entity{{Text: "Acme Corp", Label: "ORG"}}}
	builder := NewBuilder(failingStore{newTestStore(t)}, recognizer, quietLogger())

	_, err := builder.BuildFromChunks(context.Background(), chunks("Acme Corp"), "doc-1", "t1")
	require.ErrorContains(t, err, "disk full")
}

// listRecognizer returns the same entities, in order, for every text.
type listRecognizer []Entity

func (r listRecognizer) Recognize(context.Context, string) ([]Entity, error) {
	return r, nil
}

type recordingStore struct {
	*SQLiteStore
	mu    sync.Mutex
	nodes []string
	edges [][2]string
}

func (s *recordingStore) UpsertNode(ctx context.Context, tenantID, label, entityType, documentID string) (GraphNode, bool, error) {
	s.mu.Lock()
	s.nodes = append(s.nodes, label)
	s.mu.Unlock()
	return s.SQLiteStore.UpsertNode(ctx, tenantID, label, entityType, documentID)
}

func (s *recordingStore) UpsertEdge(ctx context.Context, tenantID, sourceID, targetID, relationship string) (GraphEdge, bool, error) {
	s.mu.Lock()
	s.edges = append(s.edges, [2]string{sourceID, targetID})
	s.mu.Unlock()
	return s.SQLiteStore.UpsertEdge(ctx, tenantID, sourceID, targetID, relationship)
}

func TestApplyWritesInLockOrder(t *testing.T) {
	store := &recordingStore{SQLiteStore: newTestStore(t)}
	recognizer := listRecognizer{
		{Text: "Zeta Labs", Label: "ORG"},
		{Text: "acme corp", Label: "ORG"},
		{Text: "Mars", Label: "LOC"},
		{Text: "Acme Corp", Label: "PERSON"},
	}
	builder := NewBuilder(nil, recognizer, quietLogger())

	plan, err := builder.Plan(context.Background(), chunks("anything"), "doc-1", "t1")
	require.NoError(t, err)
	require.Len(t, plan.Entities, 3, "case variants collapse to the first seen")

	result, err := builder.WithStore(store).Apply(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"acme corp", "Mars", "Zeta Labs"}, store.nodes)
	require.Len(t, result.Nodes, 3)
	assert.Equal(t, "Zeta Labs", result.Nodes[0].Label)
	assert.Equal(t, "acme corp", result.Nodes[1].Label)
	assert.Equal(t, "Mars", result.Nodes[2].Label)

	require.Len(t, store.edges, 3)
	for i, pair := range store.edges {
		assert.Less(t, pair[0], pair[1])
		if i > 0 {
			prev := store.edges[i-1]
			assert.True(t, prev[0] < pair[0] || (prev[0] == pair[0] && prev[1] < pair[1]), "edges out of order: %v", store.edges)
		}
	}
}

func TestReversedEntityOrdersShareNodes(t *testing.T) {
	store := newTestStore(t)
	forward := NewBuilder(store, listRecognizer{{Text: "Acme Corp", Label: "ORG"}, {Text: "Berlin", Label: "GPE"}}, quietLogger())
	reverse := NewBuilder(store, listRecognizer{{Text: "Berlin", Label: "GPE"}, {Text: "Acme Corp", Label: "ORG"}}, quietLogger())

	_, err := forward.BuildFromChunks(context.Background(), chunks("x"), "doc-1", "t1")
	require.NoError(t, err)
	result, err := reverse.BuildFromChunks(context.Background(), chunks("x"), "doc-2", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.NodesUpdated)
	assert.Equal(t, 1, result.EdgesReinforced)
	assert.Equal(t, "Berlin", result.Nodes[0].Label)
}

func TestConcurrentBuildsKeepOneNodePerEntity(t *testing.T) {
	store := newTestStore(t)
	recognizer := &tableRecognizer{entities: []Entity{{Text: "Acme Corp", Label: "ORG"}, {Text: "Berlin", Label: "GPE"}}}
	builder := NewBuilder(store, recognizer, quietLogger())

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := builder.BuildFromChunks(context.Background(), chunks("Acme Corp in Berlin"), fmt.Sprintf("doc-%d", i), "t1")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := store.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalEdges)

	nodes, err := store.SimilarNodes(context.Background(), "t1", "Acme Corp", 0.3, 5)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Len(t, nodes[0].DocumentIDs, workers)

	edges, err := store.EdgesTouching(context.Background(), "t1", []string{nodes[0].ID}, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, float64(workers), edges[0].Weight)
}

func TestQueryReturnsSeedsEdgesAndNeighbours(t *testing.T) {
	store := newTestStore(t)
	recognizer := &tableRecognizer{entities: []Entity{
		{Text: "Acme Corp", Label: "ORG"},
		{Text: "Jane Doe", Label: "PERSON"},
		{Text: "Berlin", Label: "GPE"},
	}}
	builder := NewBuilder(store, recognizer, quietLogger())
	_, err := builder.BuildFromChunks(context.Background(), chunks("Acme Corp hired Jane Doe in Berlin"), "doc-1", "t1")
	require.NoError(t, err)

	result, err := builder.Query(context.Background(), "acme", 2, "t1", 50)
	require.NoError(t, err)

	require.Len(t, result.Nodes, 3)
	assert.Equal(t, "Acme Corp", result.Nodes[0].Label)
	assert.Equal(t, "Berlin", result.Nodes[1].Label)
	assert.Equal(t, "Jane Doe", result.Nodes[2].Label)
	assert.Len(t, result.Edges, 2)

	limited, err := builder.Query(context.Background(), "acme", 1, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, limited.Edges, 1)
	assert.Len(t, limited.Nodes, 2)

	other, err := builder.Query(context.Background(), "acme", 1, "t2", 50)
	require.NoError(t, err)
	assert.Empty(t, other.Nodes)
	assert.Empty(t, other.Edges)

	_, err = builder.Query(context.Background(), "acme", 0, "t1", 50)
	require.ErrorIs(t, err, ErrInvalidDepth)
	_, err = builder.Query(context.Background(), "acme", MaxQueryDepth+1, "t1", 50)
	require.ErrorIs(t, err, ErrInvalidDepth)
}

func TestStatsCountsEntityTypes(t *testing.T) {
	store := newTestStore(t)
	recognizer := &tableRecognizer{entities: []Entity{
		{Text: "Acme Corp", Label: "ORG"},
		{Text: "Globex", Label: "ORG"},
		{Text: "Berlin", Label: "GPE"},
	}}
	builder := NewBuilder(store, recognizer, quietLogger())
	_, err := builder.BuildFromChunks(context.Background(), chunks("Acme Corp Globex Berlin"), "doc-1", "t1")
	require.NoError(t, err)

	stats, err := builder.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 3, stats.TotalEdges)
	assert.Equal(t, []TypeCount{{Type: "ORG", Count: 2}, {Type: "GPE", Count: 1}}, stats.EntityTypes)

	require.NoError(t, store.DeleteTenant(context.Background(), "t1"))
	stats, err = builder.Stats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalNodes)
	assert.Zero(t, stats.TotalEdges)
}
