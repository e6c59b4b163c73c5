package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/fabfab/docrouter/app"
	"github.com/fabfab/docrouter/ingestion"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/security"
)

var (
	ingestDir         string
	ingestWatch       bool
	ingestWorkers     int
	ingestInclude     []string
	ingestExclude     []string
	ingestForceClass  string
	ingestAccessLevel string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Classify, extract and index files or a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestDir == "" && len(args) == 0 {
			return fmt.Errorf("pass files or --dir")
		}
		if ingestWatch && ingestDir == "" {
			return fmt.Errorf("--watch requires --dir")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := cliIdentity(cfg)
		if err != nil {
			return err
		}
		opts, err := ingestOptions()
		if err != nil {
			return err
		}
		logger := newLogger()

		ctx, cancel := signalContext()
		defer cancel()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		failed, err := ingestFiles(ctx, a.Ingestion, sc, args, opts, logger, printJSON)
		if err != nil {
			return err
		}
		var filesErr error
		if failed > 0 {
			filesErr = fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		if ingestDir == "" {
			return filesErr
		}

		dirOpts := ingestion.DirOptions{
			Include: cfg.Ingest.Include,
			Exclude: cfg.Ingest.Exclude,
			Workers: cfg.Ingest.Workers,
			Ingest:  opts,
		}
		if len(ingestInclude) > 0 {
			dirOpts.Include = ingestInclude
		}
		if len(ingestExclude) > 0 {
			dirOpts.Exclude = ingestExclude
		}
		if ingestWorkers > 0 {
			dirOpts.Workers = ingestWorkers
		}

		batch, err := a.Ingestion.IngestDirectory(ctx, sc, ingestDir, dirOpts)
		if err != nil {
			return err
		}
		logger.Printf("ingested %d, failed %d, skipped %d", batch.Ingested, batch.Failed, batch.Skipped)
		if !ingestWatch {
			if err := printJSON(batch); err != nil {
				return err
			}
			return filesErr
		}
		if filesErr != nil {
			logger.Print(filesErr)
		}

		logger.Printf("watching %s for changes", ingestDir)
		return a.Ingestion.Watch(ctx, sc, ingestDir, dirOpts)
	},
}

type fileIngester interface {
	IngestFile(ctx context.Context, sc security.SecurityContext, path string, opts router.IngestOptions) (ingestion.Result, error)
}

// ingestFiles ingests each path in turn, logging failures and moving on to the
// next file. It returns the number of failed files; only cancellation or a
// failure to emit a result stops the loop early.
func ingestFiles(ctx context.Context, ing fileIngester, sc security.SecurityContext, paths []string, opts router.IngestOptions, logger *log.Logger, emit func(any) error) (int, error) {
	failed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		result, err := ing.IngestFile(ctx, sc, path, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failed, ctxErr
			}
			logger.Printf("ingest %s: %v", path, err)
			failed++
			continue
		}
		if err := emit(result); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func ingestOptions() (router.IngestOptions, error) {
	var opts router.IngestOptions
	if ingestForceClass != "" {
		class, err := router.ParseDataClass(ingestForceClass)
		if err != nil {
			return router.IngestOptions{}, err
		}
		opts.ForceClass = class
	}
	if ingestAccessLevel != "" {
		level := security.AccessLevel(ingestAccessLevel)
		switch level {
		case security.AccessPrivate, security.AccessTeam, security.AccessProject, security.AccessTenant:
			opts.AccessLevel = level
		default:
			return router.IngestOptions{}, fmt.Errorf("unknown access level %q", ingestAccessLevel)
		}
	}
	return opts, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory to ingest recursively")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "keep watching --dir and ingest new or changed files")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "concurrent documents (default: ingest.workers)")
	ingestCmd.Flags().StringSliceVar(&ingestInclude, "include", nil, "doublestar patterns to include")
	ingestCmd.Flags().StringSliceVar(&ingestExclude, "exclude", nil, "doublestar patterns to exclude")
	ingestCmd.Flags().StringVar(&ingestForceClass, "force-class", "", "override classification: immutable_truth, ephemeral_stream or operational_pulse")
	ingestCmd.Flags().StringVar(&ingestAccessLevel, "access-level", "", "access level for the chunks: private, team, project or tenant")
}
