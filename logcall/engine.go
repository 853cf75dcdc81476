package logcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const cacheKeyPrefix = "rewrite"

// StorageProvider creates the storage backing the transform cache.
type StorageProvider interface {
	NewStorage() (Storage, error)
}

// ReportWriter writes report files for a completed run.
type ReportWriter interface {
	WriteReportFiles(config *Config, summary *RunSummary) error
}

// DefaultStorageProvider provides the standard implementation of StorageProvider using BadgerDB.
type DefaultStorageProvider struct {
	Path    string
	CacheMB int
	Logger  *zap.Logger
	store   Storage
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.store == nil {
		store, err := NewBadgerStorage(d.Path, d.CacheMB, d.Logger)
		if err != nil {
			return nil, err
		}
		d.store = store
	}
	return d.store, nil
}

// SingletonStorageProvider is a StorageProvider that returns a single consistent storage instance.
type SingletonStorageProvider struct {
	Store Storage
}

func (s *SingletonStorageProvider) NewStorage() (Storage, error) {
	return s.Store, nil
}

// DefaultReportWriter provides the standard implementation of ReportWriter.
type DefaultReportWriter struct{}

func (d *DefaultReportWriter) WriteReportFiles(config *Config, summary *RunSummary) error {
	return WriteReportFiles(config, summary)
}

// Engine discovers the annotated source files of a project, rewrites them and commits the output. An Engine may be
// run repeatedly, the transform cache is kept between runs until Close.
type Engine struct {
	Config          *Config
	Logger          *zap.Logger
	StorageProvider StorageProvider
	ReportWriter    ReportWriter
	// Output receives the rendered declarations of debug directives.
	Output io.Writer

	runLock  sync.Mutex
	cache    *TransformCache
	modifier *ASTModifier
}

// NewEngine creates an Engine with default providers.
func NewEngine(config *Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Config: config,
		Logger: logger,
		StorageProvider: &DefaultStorageProvider{
			Path:    config.Cache.Dir,
			CacheMB: config.Cache.MemMB,
			Logger:  logger,
		},
		ReportWriter: &DefaultReportWriter{},
		Output:       os.Stdout,
	}
}

func (e *Engine) prepare() error {
	if e.Config.prepared {
		return nil
	} else if err := e.Config.Prepare(); err != nil {
		return err
	}
	if p, ok := e.StorageProvider.(*DefaultStorageProvider); ok && p.Path == "" {
		p.Path = e.Config.Cache.Dir // resolved by Prepare
	}
	return nil
}

func (e *Engine) transformCache() (*TransformCache, error) {
	if e.cache != nil || !e.Config.Cache.Enabled {
		return e.cache, nil
	}
	store, err := e.StorageProvider.NewStorage()
	if err != nil {
		e.Logger.Warn("transform cache unavailable, continuing without", zap.Error(err))
		store = NewMemStorage()
	}
	cache, err := NewTransformCache(KeyPrefixStorage(store, cacheKeyPrefix), e.Config.Cache.Compression,
		e.Config.Cache.MemMB, e.Config.fingerprint())
	if err != nil {
		store.Close()
		return nil, err
	}
	e.cache = cache
	return cache, nil
}

// Run rewrites every annotated declaration in the configured patterns and commits the output according to the
// configured mode. Files with failing declarations are left untouched and their errors are joined into the returned
// error. When a debug directive is present nothing is written, the rendered output is printed and ErrInspect is
// returned.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	summary := &RunSummary{StartTime: time.Now()}
	if err := e.prepare(); err != nil {
		return summary, err
	}
	config := e.Config

	if mods, err := ProjectModules(config.AbsProjDir); errors.Is(err, ErrNoModule) {
		e.Logger.Warn("project is not a Go module, skipping go version check", zap.String("dir", config.AbsProjDir))
	} else if err != nil {
		return summary, err
	} else if err := CheckGoVersions(mods); err != nil {
		return summary, err
	}

	files, err := ExpandPatterns(ctx, config.AbsProjDir, config.Patterns, e.Logger)
	if err != nil {
		return summary, err
	}
	e.Logger.Debug("source files resolved", zap.Int("count", len(files)))

	cache, err := e.transformCache()
	if err != nil {
		return summary, err
	}
	modifier := NewASTModifier(config, e.Logger)
	e.modifier = modifier

	var resultLock sync.Mutex
	var errs []error
	errGroup := ErrGroupLimitCPU()
	for _, file := range files {
		errGroup.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := e.rewriteFile(cache, modifier, file)

			resultLock.Lock()
			defer resultLock.Unlock()
			if err != nil {
				errs = append(errs, err)
				summary.Failed = append(summary.Failed, file)
			} else {
				summary.Results = append(summary.Results, result)
			}
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return summary, err
	}
	slices.SortFunc(summary.Results, func(a, b *FileResult) int {
		return strings.Compare(a.Path, b.Path)
	})
	slices.Sort(summary.Failed)
	summary.RewriteDuration = time.Since(summary.StartTime)
	if cache != nil {
		summary.CacheHits, summary.CacheMisses = cache.Stats()
	}

	if inspectCount, err := e.writeInspects(summary.Results); err != nil {
		return summary, err
	} else if inspectCount > 0 {
		errs = append(errs, fmt.Errorf("%w: %d declarations", ErrInspect, inspectCount))
		return summary, errors.Join(errs...)
	}

	commitStart := time.Now()
	closeOutput, err := e.setDiffOutput(modifier)
	if err != nil {
		return summary, err
	}
	defer closeOutput()
	for _, result := range summary.Results {
		modifier.Stage(result)
	}
	if err := modifier.Commit(); err != nil {
		return summary, fmt.Errorf("error committing rewritten files: %w", err)
	}
	summary.CommitDuration = time.Since(commitStart)
	e.Logger.Info("rewrite completed",
		zap.String("mode", string(config.Mode)),
		zap.Int("files", len(files)),
		zap.Int("functions", summary.InstrumentedCount()),
		zap.Int("failed", len(summary.Failed)),
		zap.Duration("duration", time.Since(summary.StartTime)))

	if err := e.ReportWriter.WriteReportFiles(config, summary); err != nil {
		errs = append(errs, fmt.Errorf("error writing report files: %w", err))
	}
	return summary, errors.Join(errs...)
}

// rewriteFile returns the cached result for file if its content is unchanged, otherwise it rewrites and caches it.
func (e *Engine) rewriteFile(cache *TransformCache, modifier *ASTModifier, file string) (*FileResult, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read failure %s: %w", file, err)
	}
	if cache != nil {
		if result, ok, err := cache.Lookup(file, src); err != nil {
			e.Logger.Warn("transform cache lookup failed", zap.String("file", file), zap.Error(err))
		} else if ok {
			return result, nil
		}
	}

	result, err := modifier.RewriteSource(file, src)
	if err != nil {
		return nil, err
	} else if cache != nil {
		if err := cache.Store(result); err != nil {
			e.Logger.Warn("transform cache store failed", zap.String("file", file), zap.Error(err))
		}
	}
	return result, nil
}

func (e *Engine) writeInspects(results []*FileResult) (int, error) {
	var count int
	for _, result := range results {
		for _, inspect := range result.Inspects {
			count++
			if _, err := fmt.Fprintf(e.output(), "// %s: %s\n%s\n\n", result.Path, inspect.Func, inspect.Rendered); err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

func (e *Engine) output() io.Writer {
	if e.Output == nil {
		return io.Discard
	}
	return e.Output
}

// setDiffOutput points the diff output at the configured file, returning a function to close it.
func (e *Engine) setDiffOutput(modifier *ASTModifier) (func(), error) {
	if e.Config.Mode != ModeDiff {
		return func() {}, nil
	} else if e.Config.DiffFile == "" {
		modifier.DiffOutput = e.output()
		return func() {}, nil
	}
	f, err := os.Create(e.Config.DiffFile)
	if err != nil {
		return nil, fmt.Errorf("error creating diff file: %w", err)
	}
	modifier.DiffOutput = f
	return func() {
		if err := f.Close(); err != nil {
			e.Logger.Warn("diff file close failure", zap.Error(err))
		}
	}, nil
}

// OverlayFile returns the overlay mapping written by the last run, empty when nothing was rewritten.
func (e *Engine) OverlayFile() string {
	e.runLock.Lock()
	defer e.runLock.Unlock()
	if e.modifier == nil {
		return ""
	}
	return e.modifier.OverlayFile()
}

// Restore reverts the files the last run rewrote in place.
func (e *Engine) Restore() error {
	e.runLock.Lock()
	defer e.runLock.Unlock()
	if e.modifier == nil {
		return nil
	}
	return errors.Join(e.modifier.Restore()...)
}

// ClearCache drops every cached rewrite.
func (e *Engine) ClearCache() error {
	if err := e.prepare(); err != nil {
		return err
	}
	cache, err := e.transformCache()
	if err != nil || cache == nil {
		return err
	}
	return cache.Clear()
}

// Close releases the transform cache.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
		e.cache = nil
	}
}
