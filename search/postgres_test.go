package search_test

import (
	"context"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/database"
	"github.com/fabfab/docrouter/ingestion"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/search"
	"github.com/fabfab/docrouter/security"
)

type axisEmbedder struct {
	dim int
}

// Embed maps every text onto the first axis so similarity follows the
// stored weights.
func (e axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, e.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func TestPostgresRetrieversRespectTenantAndPolicy(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration tests")
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()

	dim := cfg.Embeddings.Dimension
	require.NoError(t, database.EnsureSchema(ctx, pool, dim))

	suffix := uuid.NewString()[:8]
	tenantA, tenantB := "it-a-"+suffix, "it-b-"+suffix
	store := ingestion.NewPostgresStore(pool)
	t.Cleanup(func() {
		_ = store.DeleteTenant(context.Background(), tenantA)
		_ = store.DeleteTenant(context.Background(), tenantB)
	})

	makeVector := func(weight float32) []float32 {
		vec := make([]float32, dim)
		vec[0] = weight
		vec[dim-1] = 1 - weight
		return vec
	}
	save := func(tenant, owner, level, text string, weight float32) string {
		doc := ingestion.Document{
			ID:          uuid.NewString(),
			TenantID:    tenant,
			OwnerID:     owner,
			AccessLevel: level,
			Filename:    text + ".md",
			DataClass:   router.ClassEphemeralStream,
			ChunkCount:  1,
			CreatedAt:   time.Now(),
		}
		chunk := router.Chunk{
			Text:      "quarterly invoice " + text,
			Embedding: makeVector(weight),
			Metadata: router.ChunkMetadata{
				TenantID:    tenant,
				UserID:      owner,
				AccessLevel: level,
				DataClass:   router.ClassEphemeralStream,
			},
		}
		require.NoError(t, store.SaveDocument(ctx, doc, []router.Chunk{chunk}))
		return doc.Filename
	}

	near := save(tenantA, "bob", string(security.AccessTenant), "near", 0.9)
	far := save(tenantA, "bob", string(security.AccessTenant), "far", 0.2)
	save(tenantA, "bob", string(security.AccessPrivate), "private", 1.0)
	save(tenantB, "carol", string(security.AccessTenant), "foreign", 1.0)

	sc := security.SecurityContext{UserID: "alice", TenantID: tenantA, Roles: []security.Role{security.RoleViewer}}
	quiet := log.New(io.Discard, "", 0)

	keyword, err := search.NewKeywordRetriever(pool).Retrieve(ctx, sc, "invoice", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{near, far}, sources(keyword))

	vector, err := search.NewVectorRetriever(pool, axisEmbedder{dim: dim}, quiet).Retrieve(ctx, sc, "invoice", 10)
	require.NoError(t, err)
	require.Equal(t, []string{near, far}, sources(vector))
	assert.Greater(t, vector[0].Score, vector[1].Score)

	engine := search.NewEngine(search.NewKeywordRetriever(pool), search.NewVectorRetriever(pool, axisEmbedder{dim: dim}, quiet), search.NewGraphRetriever(pool), search.Options{Logger: quiet})
	resp, err := engine.Search(ctx, sc, search.Request{Query: "invoice"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.Empty(t, resp.Degraded)
}

func sources(results []search.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Source
	}
	return out
}
