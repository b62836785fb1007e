// Package loader implements the bulk directory loader (§4.4): recursive
// file discovery, compile, dedup via the syntactic index, alias
// assignment, and an optional scheduled re-scan.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/engine"
	"github.com/relaypath/pipeflow/internal/obs"
	"github.com/relaypath/pipeflow/internal/pferrors"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
)

// AliasStrategy selects how the loader names the images it stores (§4.4).
type AliasStrategy string

const (
	AliasFileName     AliasStrategy = "FileName"
	AliasRelativePath AliasStrategy = "RelativePath"
	AliasHashOnly     AliasStrategy = "HashOnly"
)

// Options configures one Load call.
type Options struct {
	Directory     string
	Recursive     bool
	FailOnError   bool
	AliasStrategy AliasStrategy
}

// Result is the outcome of one Load call.
type Result struct {
	Loaded  int      `json:"loaded"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Loader scans a directory tree for DSL source files and loads each one
// into a PipelineStore, deduping via the syntactic index and assigning
// aliases per the configured strategy.
type Loader struct {
	store      *pipelinestore.Store
	compiler   engine.Compiler
	extension  string
	includes   []string
	excludes   []string
	limiter    *rate.Limiter
	log        *zap.Logger

	mu        sync.Mutex
	scheduler *cron.Cron
}

// New constructs a Loader. cfg.MaxConcurrent sets a rate limit of that
// many compiler invocations per second (burst of the same size); files are
// compiled one at a time. cfg.CronSpec, if set,
// drives an optional scheduled re-scan started via StartScheduled.
func New(store *pipelinestore.Store, compiler engine.Compiler, cfg config.Loader, log *zap.Logger) *Loader {
	concurrency := cfg.MaxConcurrent
	if concurrency < 1 {
		concurrency = 1
	}
	includes := cfg.IncludeGlobs
	if len(includes) == 0 {
		includes = []string{"**/*"}
	}
	return &Loader{
		store:     store,
		compiler:  compiler,
		extension: cfg.DSLExtension,
		includes:  includes,
		excludes:  cfg.ExcludeGlobs,
		limiter:   rate.NewLimiter(rate.Limit(concurrency), concurrency),
		log:       log,
	}
}

// Load scans opts.Directory (descending into subdirectories when
// opts.Recursive) for files whose name ends in the loader's DSL extension,
// compiles and stores each one, and assigns aliases per opts.AliasStrategy.
func (l *Loader) Load(ctx context.Context, opts Options) (*Result, error) {
	info, err := os.Stat(opts.Directory)
	if err != nil || !info.IsDir() {
		return nil, pferrors.New(pferrors.KindInvalidInput, fmt.Sprintf("not a directory: %s", opts.Directory))
	}

	files, err := l.discover(opts.Directory, opts.Recursive)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	seenAliases := make(map[string]string) // alias -> file path, for this run's FileName collision check

	for _, path := range files {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		if loadErr := l.loadOne(ctx, opts, path, seenAliases, result); loadErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, loadErr))
			if opts.FailOnError {
				return nil, pferrors.New(pferrors.KindInvalidInput, strings.Join(result.Errors, "; "))
			}
		}
	}

	return result, nil
}

func (l *Loader) loadOne(ctx context.Context, opts Options, path string, seenAliases map[string]string, result *Result) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !utf8.Valid(raw) {
		return fmt.Errorf("not valid UTF-8")
	}
	source := string(raw)

	syntacticHash := l.compiler.SyntacticHash(source)
	if _, exists := l.store.LookupSyntactic(syntacticHash); exists {
		result.Skipped++
		return nil
	}

	compileResult, err := l.compiler.Compile(ctx, source)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if len(compileResult.Errors) > 0 {
		return fmt.Errorf("compile: %s", compileResult.Errors[0].Message)
	}

	img := compileResult.Image
	if err := l.store.Store(ctx, img); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := l.store.IndexSyntactic(syntacticHash, img.StructuralHash); err != nil {
		return fmt.Errorf("index syntactic: %w", err)
	}

	alias, err := l.aliasFor(opts, path)
	if err != nil {
		return err
	}
	if alias == "" {
		result.Loaded++
		return nil
	}

	if existingPath, taken := seenAliases[alias]; taken && existingPath != path {
		return fmt.Errorf("alias %q collides with %s in this load run", alias, existingPath)
	}
	// §4.4: a FileName alias colliding with a pre-existing alias already in
	// the store is an error for this file, same as an in-run collision.
	if opts.AliasStrategy == AliasFileName || opts.AliasStrategy == "" {
		if existingHash, ok := l.store.Resolve(alias); ok && existingHash != img.StructuralHash {
			return fmt.Errorf("alias %q collides with a pre-existing alias already in the store", alias)
		}
	}
	if err := l.store.Alias(alias, img.StructuralHash); err != nil {
		return fmt.Errorf("alias: %w", err)
	}
	seenAliases[alias] = path

	result.Loaded++
	return nil
}

func (l *Loader) aliasFor(opts Options, path string) (string, error) {
	switch opts.AliasStrategy {
	case AliasHashOnly:
		return "", nil
	case AliasRelativePath:
		rel, err := filepath.Rel(opts.Directory, path)
		if err != nil {
			return "", err
		}
		rel = strings.TrimSuffix(rel, l.extension)
		return filepath.ToSlash(rel), nil
	case AliasFileName, "":
		base := filepath.Base(path)
		return strings.TrimSuffix(base, l.extension), nil
	default:
		return "", pferrors.New(pferrors.KindInvalidInput, fmt.Sprintf("unknown alias strategy %q", opts.AliasStrategy))
	}
}

// discover finds every file under dir matching the loader's DSL extension
// and include/exclude globs, optionally descending into subdirectories.
func (l *Loader) discover(dir string, recursive bool) ([]string, error) {
	var out []string
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), l.extension) {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if !l.matchesAny(rel, l.includes) {
			return nil
		}
		if l.matchesAny(rel, l.excludes) {
			return nil
		}

		out = append(out, path)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

func (l *Loader) matchesAny(rel string, globs []string) bool {
	if len(globs) == 0 {
		return false
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// StartScheduled starts the loader's cron-driven re-scan, if a CronSpec
// was configured. It is idempotent; calling it with no CronSpec is a no-op.
func (l *Loader) StartScheduled(opts Options, cronSpec string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cronSpec == "" || l.scheduler != nil {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(cronSpec, func() {
		start := time.Now()
		result, err := l.Load(context.Background(), opts)
		obs.LoaderScanDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			l.log.Warn("scheduled load failed", zap.Error(err))
			return
		}
		l.log.Info("scheduled load complete",
			zap.Int("loaded", result.Loaded),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", cronSpec, err)
	}

	l.scheduler = c
	c.Start()
	return nil
}

// Stop halts the scheduled re-scan, if running.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scheduler != nil {
		l.scheduler.Stop()
		l.scheduler = nil
	}
}
