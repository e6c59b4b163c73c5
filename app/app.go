// Package app assembles the long-lived services once at startup.
package app

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/docrouter/audit"
	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/database"
	"github.com/fabfab/docrouter/embeddings"
	"github.com/fabfab/docrouter/extraction"
	"github.com/fabfab/docrouter/ingestion"
	"github.com/fabfab/docrouter/knowledge"
	"github.com/fabfab/docrouter/llm"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/search"
)

type App struct {
	Config config.Config
	Logger *log.Logger

	Pool   *pgxpool.Pool
	Neo4j  neo4j.DriverWithContext
	Mirror *knowledge.Neo4jMirror

	Router    *router.Router
	Embedder  embeddings.Embedder
	Graph     *knowledge.Builder
	Ingestion *ingestion.Service
	Search    *search.Engine
	Audit     *audit.Logger
}

// New connects to Postgres (and Neo4j when configured), ensures the schema
// and wires every service. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	a.Pool = pool

	if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			logger.Printf("neo4j unavailable, graph mirror disabled: %v", err)
		} else {
			a.Neo4j = driver
			a.Mirror = knowledge.NewNeo4jMirror(driver, logger)
			if err := a.Mirror.EnsureConstraints(ctx); err != nil {
				logger.Printf("neo4j constraints not ensured: %v", err)
			}
		}
	}

	a.Router, err = NewRouter(cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Embedder, err = embeddings.NewEmbedder(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	recognizer, err := NewRecognizer(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Graph = knowledge.NewBuilder(knowledge.NewPostgresStore(pool), recognizer, logger)

	a.Audit = audit.NewLogger(log.New(logger.Writer(), "", log.LstdFlags), audit.NewPostgresSink(pool))

	opts := ingestion.Options{
		Store:    ingestion.NewPostgresStore(pool),
		Router:   a.Router,
		Embedder: a.Embedder,
		Graph:    a.Graph,
		Audit:    a.Audit,
		Logger:   logger,
	}
	if a.Mirror != nil {
		opts.Mirror = a.Mirror
	}
	a.Ingestion, err = ingestion.NewService(opts)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("ingestion setup: %w", err)
	}

	a.Search = search.NewEngine(
		search.NewKeywordRetriever(pool),
		search.NewVectorRetriever(pool, a.Embedder, logger),
		search.NewGraphRetriever(pool),
		search.Options{
			K:       cfg.Search.K,
			Limit:   cfg.Search.Limit,
			Timeout: cfg.Search.ModalityTimeout,
			Logger:  logger,
		},
	)

	return a, nil
}

// Ready reports whether the backing stores answer.
func (a *App) Ready(ctx context.Context) error {
	if err := a.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if a.Neo4j != nil {
		if err := a.Neo4j.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("verify neo4j: %w", err)
		}
	}
	return nil
}

func (a *App) Close(ctx context.Context) {
	if a.Neo4j != nil {
		if err := a.Neo4j.Close(ctx); err != nil {
			a.Logger.Printf("close neo4j driver: %v", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// NewRouter builds the router with the three extraction profiles.
func NewRouter(cfg config.Config, logger *log.Logger) (*router.Router, error) {
	r, err := router.NewRouter(router.Profiles{
		Truth:  extraction.NewLayout(),
		Stream: extraction.NewNarrative(),
		Pulse:  extraction.NewTabular(),
	}, router.Options{
		TruthEnabled:    cfg.Router.TruthEnabled,
		FallbackEnabled: cfg.Router.FallbackEnabled,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("router setup: %w", err)
	}
	return r, nil
}

// NewRecognizer returns the LLM-backed entity recognizer, or nil when no
// LLM provider is configured.
func NewRecognizer(cfg config.Config) (knowledge.Recognizer, error) {
	client, err := llm.NewClient(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	if client == nil {
		return nil, nil
	}
	return knowledge.NewLLMRecognizer(client), nil
}

// LocalGraph is a SQLite-backed graph for working without Postgres.
type LocalGraph struct {
	Builder *knowledge.Builder
	Router  *router.Router
	store   *knowledge.SQLiteStore
}

// OpenLocalGraph opens the SQLite graph at cfg.SQLitePath.
func OpenLocalGraph(ctx context.Context, cfg config.Config, logger *log.Logger) (*LocalGraph, error) {
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite path is not configured")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	store, err := knowledge.OpenSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	recognizer, err := NewRecognizer(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	r, err := NewRouter(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &LocalGraph{
		Builder: knowledge.NewBuilder(store, recognizer, logger),
		Router:  r,
		store:   store,
	}, nil
}

func (g *LocalGraph) Close() error {
	return g.store.Close()
}
