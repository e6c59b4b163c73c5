package search

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/security"
)

type stubRetriever struct {
	results []Result
	err     error
	wait    func(ctx context.Context) error
	calls   int
	mu      sync.Mutex
	gotSC   security.SecurityContext
}

func (s *stubRetriever) Retrieve(ctx context.Context, sc security.SecurityContext, _ string, _ int) ([]Result, error) {
	s.mu.Lock()
	s.calls++
	s.gotSC = sc
	s.mu.Unlock()
	if s.wait != nil {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out, nil
}

func hits(tenant string, ids ...string) []Result {
	out := make([]Result, len(ids))
	for i, id := range ids {
		out[i] = Result{ID: id, TextSnippet: "text " + id, Score: 1 - float64(i)/10, Source: id + ".md", DataClass: "ephemeral_stream", TenantID: tenant}
	}
	return out
}

var analyst = security.SecurityContext{UserID: "u1", TenantID: "t1", Roles: []security.Role{security.RoleAnalyst}}

func quietEngine(keyword, vector, graph Retriever, opts Options) *Engine {
	opts.Logger = log.New(io.Discard, "", 0)
	return NewEngine(keyword, vector, graph, opts)
}

func TestFuseRewardsAgreement(t *testing.T) {
	fused := Fuse([][]Result{
		hits("t1", "a", "b"),
		hits("t1", "a"),
		nil,
	}, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.InDelta(t, 2.0/61, fused[0].Score, 1e-12)
	assert.InDelta(t, 1.0/62, fused[1].Score, 1e-12)

	single := Fuse([][]Result{hits("t1", "x")}, 60)
	assert.Greater(t, fused[0].Score, single[0].Score)
	assert.InDelta(t, 1.0/61, single[0].Score, 1e-12)
}

func TestFuseKeepsFirstSeenAttributes(t *testing.T) {
	keyword := []Result{{ID: "a", TextSnippet: "from keyword", Source: "k.md", DataClass: "immutable_truth"}}
	vector := []Result{{ID: "a", TextSnippet: "from vector", Source: "v.md", DataClass: "ephemeral_stream"}}

	fused := Fuse([][]Result{keyword, vector}, 60)

	require.Len(t, fused, 1)
	assert.Equal(t, "from keyword", fused[0].TextSnippet)
	assert.Equal(t, "k.md", fused[0].Source)
	assert.Equal(t, "immutable_truth", fused[0].DataClass)
	assert.Equal(t, string(ModeTrisearch), fused[0].Modality)
}

func TestFuseSingleListPreservesOrder(t *testing.T) {
	fused := Fuse([][]Result{hits("t1", "c", "a", "b")}, 60)

	ids := make([]string, len(fused))
	for i, result := range fused {
		ids[i] = result.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestFuseTiesKeepFirstSeenOrder(t *testing.T) {
	fused := Fuse([][]Result{hits("t1", "a"), hits("t1", "b"), hits("t1", "c")}, 60)

	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
	assert.Equal(t, "c", fused[2].ID)
}

func TestSearchTrisearchFusesAndCounts(t *testing.T) {
	keyword := &stubRetriever{results: hits("t1", "a", "b", "c")}
	vector := &stubRetriever{results: hits("t1", "b", "d")}
	graph := &stubRetriever{results: hits("t1", "b")}
	engine := quietEngine(keyword, vector, graph, Options{})

	resp, err := engine.Search(context.Background(), analyst, Request{Query: " pumps ", Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, "pumps", resp.Query)
	assert.Equal(t, ModeTrisearch, resp.Mode)
	assert.Equal(t, 3, resp.KeywordCount)
	assert.Equal(t, 2, resp.VectorCount)
	assert.Equal(t, 1, resp.GraphCount)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "b", resp.Results[0].ID)
	assert.Equal(t, "a", resp.Results[1].ID)
	assert.Empty(t, resp.Degraded)
	assert.Equal(t, analyst, keyword.gotSC)
}

func TestSearchSingleModeBypassesFusion(t *testing.T) {
	keyword := &stubRetriever{results: hits("t1", "a")}
	vector := &stubRetriever{results: []Result{
		{ID: "v2", Score: 0.4, TenantID: "t1"},
		{ID: "v1", Score: 0.9, TenantID: "t1"},
	}}
	engine := quietEngine(keyword, vector, nil, Options{})

	resp, err := engine.Search(context.Background(), analyst, Request{Query: "q", Mode: ModeVector})
	require.NoError(t, err)

	assert.Zero(t, keyword.calls)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "v2", resp.Results[0].ID)
	assert.Equal(t, 0.4, resp.Results[0].Score)
	assert.Equal(t, "vector", resp.Results[0].Modality)
	assert.Equal(t, 0, resp.KeywordCount)
	assert.Equal(t, 2, resp.VectorCount)
}

func TestSearchDegradesFailingModalities(t *testing.T) {
	keyword := &stubRetriever{results: hits("t1", "a")}
	vector := &stubRetriever{wait: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	graph := &stubRetriever{err: errors.New("pg_trgm missing")}
	engine := quietEngine(keyword, vector, graph, Options{Timeout: 20 * time.Millisecond})

	resp, err := engine.Search(context.Background(), analyst, Request{Query: "q"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"vector", "graph"}, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Zero(t, resp.VectorCount)
	assert.Zero(t, resp.GraphCount)
}

func TestSearchRunsModalitiesConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	barrier := func(ctx context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	engine := quietEngine(
		&stubRetriever{wait: barrier, results: hits("t1", "a")},
		&stubRetriever{wait: barrier, results: hits("t1", "b")},
		&stubRetriever{wait: barrier, results: hits("t1", "c")},
		Options{Timeout: 2 * time.Second},
	)

	resp, err := engine.Search(context.Background(), analyst, Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, resp.Degraded)
	assert.Len(t, resp.Results, 3)
}

func TestSearchRejectsForeignTenantResults(t *testing.T) {
	engine := quietEngine(&stubRetriever{results: append(hits("t1", "a"), hits("t2", "leak")...)}, nil, nil, Options{})

	resp, err := engine.Search(context.Background(), analyst, Request{Query: "q"})
	require.ErrorIs(t, err, security.ErrTenantBoundaryViolation)
	assert.Empty(t, resp.Results)
}

func TestSearchValidatesInput(t *testing.T) {
	engine := quietEngine(&stubRetriever{}, nil, nil, Options{})

	_, err := engine.Search(context.Background(), security.SecurityContext{UserID: "u1"}, Request{Query: "q"})
	require.ErrorIs(t, err, security.ErrInvalidContext)

	_, err = engine.Search(context.Background(), analyst, Request{Query: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearchTruncatesSnippets(t *testing.T) {
	long := strings.Repeat("ü", 800)
	engine := quietEngine(&stubRetriever{results: []Result{{ID: "a", TextSnippet: long, TenantID: "t1"}}}, nil, nil, Options{})

	resp, err := engine.Search(context.Background(), analyst, Request{Query: "q", Mode: ModeKeyword})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, strings.Repeat("ü", 500), resp.Results[0].TextSnippet)
}

func TestSearchWithoutRetrieversIsEmpty(t *testing.T) {
	resp, err := quietEngine(nil, nil, nil, Options{}).Search(context.Background(), analyst, Request{Query: "q", Mode: ModeGraph})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Zero(t, resp.Total)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeTrisearch, mode)

	mode, err = ParseMode(" Keyword ")
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, mode)

	_, err = ParseMode("semantic")
	require.Error(t, err)
}
