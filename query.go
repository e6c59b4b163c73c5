package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fabfab/docrouter/app"
	"github.com/fabfab/docrouter/audit"
	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/knowledge"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/search"
	"github.com/fabfab/docrouter/security"
)

var (
	searchMode  string
	searchLimit int
	searchK     int
	graphDepth  int
	graphLimit  int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the caller's documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := search.ParseMode(searchMode)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := cliIdentity(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := app.New(ctx, cfg, newLogger())
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		resp, err := a.Search.Search(ctx, sc, search.Request{
			Query: strings.Join(args, " "),
			Mode:  mode,
			Limit: searchLimit,
			K:     searchK,
		})
		if err != nil {
			return err
		}
		a.Audit.Record(ctx, sc, audit.EventSearch, "", map[string]any{"query": resp.Query, "mode": resp.Mode, "total": resp.Total})
		return printJSON(resp)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <file>...",
	Short: "Show how files would be classified without ingesting them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			result := router.Classify(filepath.Base(name))
			if err := printJSON(struct {
				Filename string `json:"filename"`
				router.ClassificationResult
			}{name, result}); err != nil {
				return err
			}
		}
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query or build the entity graph",
	Long: `Query or build the entity graph. With sqlite.path (SQLITE_PATH) set the
commands work on a local SQLite graph; otherwise they use Postgres.`,
}

// graphSession hands the graph builder to fn, backed by SQLite when configured.
func graphSession(ctx context.Context, cfg config.Config, fn func(*knowledge.Builder) error) error {
	if cfg.SQLitePath != "" {
		local, err := app.OpenLocalGraph(ctx, cfg, newLogger())
		if err != nil {
			return err
		}
		defer local.Close()
		return fn(local.Builder)
	}
	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a.Graph)
}

var graphQueryCmd = &cobra.Command{
	Use:   "query <entity>",
	Short: "Find entities similar to the text and their neighbours",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := cliIdentity(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		return graphSession(ctx, cfg, func(graph *knowledge.Builder) error {
			result, err := graph.Query(ctx, strings.Join(args, " "), graphDepth, sc.TenantID, graphLimit)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count the tenant's nodes, edges and entity types",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := cliIdentity(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		return graphSession(ctx, cfg, func(graph *knowledge.Builder) error {
			stats, err := graph.Stats(ctx, sc.TenantID)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var graphBuildCmd = &cobra.Command{
	Use:   "build <file>...",
	Short: "Extract files and add their entities to the local SQLite graph",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.SQLitePath == "" {
			return fmt.Errorf("graph build needs sqlite.path; documents ingested into Postgres are graphed by ingest")
		}
		sc, err := cliIdentity(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		local, err := app.OpenLocalGraph(ctx, cfg, newLogger())
		if err != nil {
			return err
		}
		defer local.Close()

		for _, path := range args {
			routed, err := local.Router.Ingest(ctx, sc, path, router.IngestOptions{})
			if err != nil {
				return err
			}
			result, err := local.Builder.BuildFromChunks(ctx, routed.Chunks, uuid.NewString(), sc.TenantID)
			if err != nil {
				return fmt.Errorf("build graph for %s: %w", path, err)
			}
			if err := printJSON(result); err != nil {
				return err
			}
		}
		return nil
	},
}

var clearConfirmed bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every document, chunk and graph element of the tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := cliIdentity(cfg)
		if err != nil {
			return err
		}
		logger := newLogger()

		if !clearConfirmed {
			ok, err := confirm(fmt.Sprintf("This will permanently delete all data of tenant %s from Postgres and Neo4j. Continue? [y/N]: ", sc.TenantID))
			if err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			if !ok {
				logger.Println("clear aborted")
				return nil
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		if err := a.Ingestion.Purge(ctx, sc); err != nil {
			if errors.Is(err, security.ErrAccessDenied) {
				return fmt.Errorf("%w (run with --roles admin)", err)
			}
			return err
		}
		logger.Printf("cleared tenant %s", sc.TenantID)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", string(search.ModeTrisearch), "keyword, vector, graph or trisearch")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum results (default: search.limit)")
	searchCmd.Flags().IntVar(&searchK, "k", 0, "RRF constant (default: search.k)")

	graphQueryCmd.Flags().IntVar(&graphDepth, "depth", 1, "traversal depth, 1 to 5")
	graphQueryCmd.Flags().IntVarP(&graphLimit, "limit", "n", 0, "maximum nodes")
	graphCmd.AddCommand(graphQueryCmd, graphStatsCmd, graphBuildCmd)

	clearCmd.Flags().BoolVar(&clearConfirmed, "confirm", false, "skip confirmation prompt")
}
