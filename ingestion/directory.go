package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/security"
)

const defaultWorkers = 4

type DirOptions struct {
	// Include and Exclude are doublestar patterns matched against paths
	// relative to the directory. An empty Include admits every file.
	Include []string
	Exclude []string
	Workers int
	Ingest  router.IngestOptions
}

func (o DirOptions) validate() error {
	for _, pattern := range append(append([]string(nil), o.Include...), o.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}
	return nil
}

func (o DirOptions) matches(rel string) bool {
	for _, pattern := range o.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	if len(o.Include) == 0 {
		return true
	}
	for _, pattern := range o.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

type BatchResult struct {
	Ingested  int      `json:"ingested"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Documents []Result `json:"documents"`
}

// IngestDirectory ingests every matching file under dir concurrently. A
// failing document is logged and counted; it never stops the batch.
func (s *Service) IngestDirectory(ctx context.Context, sc security.SecurityContext, dir string, opts DirOptions) (BatchResult, error) {
	if err := sc.Validate(); err != nil {
		return BatchResult{}, err
	}
	if err := opts.validate(); err != nil {
		return BatchResult{}, err
	}
	if _, err := os.Stat(dir); err != nil {
		return BatchResult{}, fmt.Errorf("data directory: %w", err)
	}

	var batch BatchResult
	paths := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !opts.matches(relativePath(dir, path)) {
			batch.Skipped++
			return nil
		}
		paths = append(paths, path)
		return nil
	}); err != nil {
		return BatchResult{}, fmt.Errorf("walk data directory: %w", err)
	}

	if len(paths) == 0 {
		s.logger.Printf("no matching files found in %s", dir)
		batch.Documents = []Result{}
		return batch, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	results := make([]*Result, len(paths))
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ingest := opts.Ingest
			ingest.DisplayName = relativePath(dir, path)
			result, err := s.IngestFile(gctx, sc, path, ingest)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger.Printf("ingest failed for %s: %v", path, err)
				failed.Add(1)
				return nil
			}
			results[i] = &result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, fmt.Errorf("ingest directory: %w", err)
	}

	batch.Failed = int(failed.Load())
	batch.Documents = make([]Result, 0, len(paths))
	for _, result := range results {
		if result != nil {
			batch.Documents = append(batch.Documents, *result)
		}
	}
	batch.Ingested = len(batch.Documents)
	s.logger.Printf("ingested %d documents from %s (%d failed, %d skipped)", batch.Ingested, dir, batch.Failed, batch.Skipped)
	return batch, nil
}

// Watch ingests files created or modified under dir until ctx is done.
// Bursts of events on one file are coalesced.
func (s *Service) Watch(ctx context.Context, sc security.SecurityContext, dir string, opts DirOptions) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, dir); err != nil {
		return err
	}
	s.logger.Printf("watching %s for changes", dir)

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for path, timer := range pending {
			if timer.Stop() {
				wg.Done()
			}
			delete(pending, path)
		}
		mu.Unlock()
		wg.Wait()
	}()

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if timer, ok := pending[path]; ok {
			if timer.Stop() {
				wg.Done()
			}
		}
		wg.Add(1)
		var timer *time.Timer
		timer = time.AfterFunc(s.debounce, func() {
			defer wg.Done()
			mu.Lock()
			if pending[path] == timer {
				delete(pending, path)
			}
			mu.Unlock()

			ingest := opts.Ingest
			ingest.DisplayName = relativePath(dir, path)
			if _, err := s.IngestFile(ctx, sc, path, ingest); err != nil {
				s.logger.Printf("ingest failed for %s: %v", path, err)
			}
		})
		pending[path] = timer
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Has(fsnotify.Create) {
					if err := addRecursive(watcher, event.Name); err != nil {
						s.logger.Printf("watch %s: %v", event.Name, err)
					}
				}
				continue
			}
			if opts.matches(relativePath(dir, event.Name)) {
				schedule(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("watch error: %v", err)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func relativePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
