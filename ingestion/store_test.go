package ingestion_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/database"
	"github.com/fabfab/docrouter/ingestion"
	"github.com/fabfab/docrouter/knowledge"
	"github.com/fabfab/docrouter/router"
)

type fixedRecognizer []knowledge.Entity

func (r fixedRecognizer) Recognize(context.Context, string) ([]knowledge.Entity, error) {
	return r, nil
}

func TestWithGraphReversedEntityOrdersCommit(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration tests")
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension))

	tenant := "it-lock-" + uuid.NewString()[:8]
	store := ingestion.NewPostgresStore(pool)
	graph := knowledge.NewPostgresStore(pool)
	t.Cleanup(func() { _ = graph.DeleteTenant(context.Background(), tenant) })

	entities := fixedRecognizer{
		{Text: "Acme Corp", Label: "ORG"},
		{Text: "Berlin", Label: "GPE"},
		{Text: "Jane Doe", Label: "PERSON"},
		{Text: "Globex", Label: "ORG"},
	}
	reversed := slices.Clone(entities)
	slices.Reverse(reversed)

	logger := log.New(io.Discard, "", 0)
	builders := []*knowledge.Builder{
		knowledge.NewBuilder(nil, entities, logger),
		knowledge.NewBuilder(nil, reversed, logger),
	}

	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			builder := builders[i%2]
			docID := fmt.Sprintf("doc-%d", i)
			plan, err := builder.Plan(ctx, []router.Chunk{{Text: "text"}}, docID, tenant)
			if err != nil {
				errs <- err
				return
			}
			errs <- store.WithGraph(ctx, func(s knowledge.Store) error {
				_, err := builder.WithStore(s).Apply(ctx, plan)
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := graph.Stats(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalNodes)
	assert.Equal(t, 6, stats.TotalEdges)

	nodes, err := graph.SimilarNodes(ctx, tenant, "Acme Corp", 0.3, 5)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	assert.Len(t, nodes[0].DocumentIDs, workers)
}
