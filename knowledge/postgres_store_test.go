package knowledge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/database"
)

func TestPostgresStoreConcurrentUpserts(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration tests")
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension))

	tenant := "it-graph-" + uuid.NewString()[:8]
	store := NewPostgresStore(pool)
	t.Cleanup(func() { _ = store.DeleteTenant(context.Background(), tenant) })

	recognizer := &tableRecognizer{entities: []Entity{{Text: "Acme Corp", Label: "ORG"}, {Text: "Berlin", Label: "GPE"}}}
	builder := NewBuilder(store, recognizer, quietLogger())

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := builder.BuildFromChunks(ctx, chunks("Acme Corp opened in Berlin"), fmt.Sprintf("doc-%d", i), tenant)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := builder.Stats(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalEdges)

	result, err := builder.Query(ctx, "acme corp", 1, tenant, 10)
	require.NoError(t, err)
	require.NotEmpty(t, result.Nodes)
	assert.Equal(t, "Acme Corp", result.Nodes[0].Label)
	assert.Len(t, result.Nodes[0].DocumentIDs, workers)
	require.Len(t, result.Edges, 1)
	assert.Equal(t, float64(workers), result.Edges[0].Weight)

	other, err := builder.Query(ctx, "acme corp", 1, "another-"+tenant, 10)
	require.NoError(t, err)
	assert.Empty(t, other.Nodes)
}
