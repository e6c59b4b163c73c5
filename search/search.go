// Package search answers queries by running keyword, vector and graph
// retrieval side by side and fusing their rankings.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fabfab/docrouter/security"
)

type Mode string

const (
	ModeKeyword   Mode = "keyword"
	ModeVector    Mode = "vector"
	ModeGraph     Mode = "graph"
	ModeTrisearch Mode = "trisearch"
)

const (
	DefaultK        = 60
	DefaultLimit    = 20
	MaxLimit        = 100
	maxSnippetRunes = 500
)

var ErrEmptyQuery = errors.New("query cannot be empty")

// ParseMode maps a request value onto a Mode. The empty string selects
// trisearch.
func ParseMode(value string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return ModeTrisearch, nil
	case ModeKeyword, ModeVector, ModeGraph, ModeTrisearch:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown search mode %q", value)
	}
}

type Result struct {
	ID          string  `json:"id"`
	TextSnippet string  `json:"textSnippet"`
	Score       float64 `json:"score"`
	Source      string  `json:"source"`
	DataClass   string  `json:"dataClass"`
	Modality    string  `json:"modality"`
	TenantID    string  `json:"-"`
}

type Response struct {
	Query        string   `json:"query"`
	Mode         Mode     `json:"mode"`
	Results      []Result `json:"results"`
	Total        int      `json:"total"`
	KeywordCount int      `json:"keywordCount"`
	VectorCount  int      `json:"vectorCount"`
	GraphCount   int      `json:"graphCount"`
	Degraded     []string `json:"degraded,omitempty"`
}

type Request struct {
	Query string
	Mode  Mode
	Limit int
	K     int
}

// Retriever produces one modality's ranked candidates. Implementations must
// scope their query to what sc may read.
type Retriever interface {
	Retrieve(ctx context.Context, sc security.SecurityContext, query string, limit int) ([]Result, error)
}

type Options struct {
	K       int
	Limit   int
	Timeout time.Duration
	Logger  *log.Logger
}

type Engine struct {
	keyword Retriever
	vector  Retriever
	graph   Retriever
	k       int
	limit   int
	timeout time.Duration
	logger  *log.Logger
}

// NewEngine wires the three modalities. A nil retriever contributes an
// empty list.
func NewEngine(keyword, vector, graph Retriever, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	return &Engine{
		keyword: keyword,
		vector:  vector,
		graph:   graph,
		k:       opts.K,
		limit:   opts.Limit,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

type modality struct {
	mode      Mode
	retriever Retriever
	results   []Result
	err       error
}

func (e *Engine) Search(ctx context.Context, sc security.SecurityContext, req Request) (Response, error) {
	if err := sc.Validate(); err != nil {
		return Response{}, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeTrisearch
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.limit
	}
	limit = min(limit, MaxLimit)
	k := req.K
	if k <= 0 {
		k = e.k
	}

	modalities := []*modality{
		{mode: ModeKeyword, retriever: e.keyword},
		{mode: ModeVector, retriever: e.vector},
		{mode: ModeGraph, retriever: e.graph},
	}

	var wg sync.WaitGroup
	for _, m := range modalities {
		if mode != ModeTrisearch && mode != m.mode {
			continue
		}
		if m.retriever == nil {
			continue
		}
		wg.Add(1)
		go func(m *modality) {
			defer wg.Done()
			m.results, m.err = e.retrieve(ctx, m.retriever, sc, query, limit)
		}(m)
	}
	wg.Wait()

	resp := Response{Query: query, Mode: mode, Results: []Result{}}
	lists := make([][]Result, 0, len(modalities))
	for _, m := range modalities {
		if m.err != nil {
			e.logger.Printf("%s search degraded for tenant %s: %v", m.mode, sc.TenantID, m.err)
			resp.Degraded = append(resp.Degraded, string(m.mode))
			m.results = nil
		}
		for i := range m.results {
			if m.results[i].TenantID != sc.TenantID {
				return Response{}, fmt.Errorf("%w: %s result %s belongs to tenant %q",
					security.ErrTenantBoundaryViolation, m.mode, m.results[i].ID, m.results[i].TenantID)
			}
			m.results[i].TextSnippet = truncateSnippet(m.results[i].TextSnippet)
			m.results[i].Modality = string(m.mode)
		}
		lists = append(lists, m.results)
	}
	resp.KeywordCount = len(modalities[0].results)
	resp.VectorCount = len(modalities[1].results)
	resp.GraphCount = len(modalities[2].results)

	switch mode {
	case ModeTrisearch:
		fused := Fuse(lists, k)
		if len(fused) > limit {
			fused = fused[:limit]
		}
		resp.Results = fused
	case ModeKeyword:
		resp.Results = orEmpty(modalities[0].results)
	case ModeVector:
		resp.Results = orEmpty(modalities[1].results)
	case ModeGraph:
		resp.Results = orEmpty(modalities[2].results)
	default:
		return Response{}, fmt.Errorf("unknown search mode %q", mode)
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

func (e *Engine) retrieve(ctx context.Context, retriever Retriever, sc security.SecurityContext, query string, limit int) ([]Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return retriever.Retrieve(ctx, sc, query, limit)
}

func truncateSnippet(text string) string {
	if utf8.RuneCountInString(text) <= maxSnippetRunes {
		return text
	}
	return string([]rune(text)[:maxSnippetRunes])
}

func orEmpty(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
