package bundler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
	"github.com/vango-dev/packscripts/internal/metrics"
)

const tracerName = "github.com/vango-dev/packscripts/internal/bundler"

// ErrClosed is returned by Wait and Run after Close.
var ErrClosed = stderrors.New("bundler: compiler closed")

// Hooks are notified about build progress. Either field may be nil.
type Hooks struct {
	// OnInvalid runs when a build starts; assets are stale until OnDone.
	OnInvalid func()

	// OnDone runs after every build, failed builds included.
	OnDone func(*Stats)
}

// Options configures a Compiler.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Source is where project files (template, static dir, images) are
	// read from. Defaults to the OS filesystem.
	Source afero.Fs

	// Output replaces the output filesystem. By default development
	// builds are kept in memory and production builds are written to the
	// output directory.
	Output afero.Fs

	// Scripts are extra tags injected before </body> in generated HTML.
	Scripts []string

	// Emitters replaces the default emitter chain.
	Emitters []Emitter

	// Progress is called before each emitter runs.
	Progress func(step string, index, total int)
}

// Compiler owns one esbuild context and everything derived from it: the
// output filesystem, the latest stats and the hook subscribers.
type Compiler struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	esbuild  api.BuildContext
	emitters []Emitter
	inMemory bool

	// runMu serializes builds.
	runMu sync.Mutex

	mu       sync.Mutex
	out      afero.Fs
	stats    *Stats
	building bool
	valid    chan struct{}
	closed   bool
	subs     map[int]Hooks
	nextSub  int
}

// New creates a compiler for cfg. The configuration is copied; later
// changes to cfg are not observed.
func New(cfg *config.Config, opts Options) (*Compiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Source == nil {
		opts.Source = afero.NewOsFs()
	}

	c := &Compiler{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger,
		tracer:   otel.Tracer(tracerName),
		emitters: opts.Emitters,
		building: true,
		valid:    make(chan struct{}),
		subs:     make(map[int]Hooks),
	}
	if c.emitters == nil {
		c.emitters = DefaultEmitters(cfg)
	}

	switch {
	case opts.Output != nil:
		c.out = opts.Output
	case cfg.IsProduction() || cfg.Dev.WriteToDisk:
		c.out = afero.NewBasePathFs(afero.NewOsFs(), cfg.OutputPath())
	default:
		c.inMemory = true
		c.out = afero.NewMemMapFs()
	}

	plugins := []api.Plugin{
		hooksPlugin(c.invalidate),
		aliasPlugin(cfg),
		inlineAssetsPlugin(cfg, opts.Source),
	}
	buildOpts, err := buildOptions(cfg, plugins)
	if err != nil {
		return nil, errors.New("E140").Wrap(err)
	}

	esb, ctxErr := api.Context(buildOpts)
	if ctxErr != nil {
		pe := errors.New("E140")
		if len(ctxErr.Errors) > 0 {
			pe.WithDetail(fromAPIMessages(ctxErr.Errors)[0].String())
		}
		return nil, pe
	}
	c.esbuild = esb
	return c, nil
}

// Config returns the compiler's copy of the configuration.
func (c *Compiler) Config() *config.Config {
	return c.cfg
}

// Fs returns the filesystem holding the latest successful build.
func (c *Compiler) Fs() afero.Fs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// LastStats returns the stats of the latest completed build, or nil.
func (c *Compiler) LastStats() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Subscribe registers hooks and returns a function that removes them.
func (c *Compiler) Subscribe(h Hooks) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Compiler) hooks() []Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hooks, 0, len(c.subs))
	for _, h := range c.subs {
		out = append(out, h)
	}
	return out
}

// Wait blocks until no build is in flight and at least one build has
// completed, then returns the latest stats.
func (c *Compiler) Wait(ctx context.Context) (*Stats, error) {
	for {
		c.mu.Lock()
		if !c.building && c.stats != nil {
			stats := c.stats
			c.mu.Unlock()
			return stats, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		valid := c.valid
		c.mu.Unlock()

		select {
		case <-valid:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// invalidate marks the current output stale and notifies subscribers.
func (c *Compiler) invalidate() {
	c.mu.Lock()
	if !c.building {
		c.building = true
		c.valid = make(chan struct{})
	}
	c.mu.Unlock()

	for _, h := range c.hooks() {
		if h.OnInvalid != nil {
			h.OnInvalid()
		}
	}
}

// finish publishes stats (and, for a successful in-memory build, the new
// output filesystem), wakes waiters and notifies subscribers. A canceled
// build passes nil stats; waiters then keep waiting unless an earlier build
// can be served or the compiler is closed.
func (c *Compiler) finish(stats *Stats, out afero.Fs) {
	c.mu.Lock()
	if stats != nil {
		c.stats = stats
	}
	if out != nil {
		c.out = out
	}
	if c.building && (c.stats != nil || c.closed) {
		c.building = false
		close(c.valid)
	}
	c.mu.Unlock()

	if stats == nil {
		return
	}
	for _, h := range c.hooks() {
		if h.OnDone != nil {
			h.OnDone(stats)
		}
	}
}

// Run performs one build. Bundler diagnostics are reported in the returned
// stats; an error is returned only when the build could not be carried out
// (emit failures, cancellation, a closed compiler).
func (c *Compiler) Run(ctx context.Context) (*Stats, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, span := c.tracer.Start(ctx, "bundler.build",
		trace.WithAttributes(attribute.String("packscripts.mode", string(c.cfg.Mode))),
	)
	defer span.End()

	stop := context.AfterFunc(ctx, c.esbuild.Cancel)
	defer stop()

	// The hooks plugin invalidates from esbuild's OnStart.
	start := time.Now()
	result := c.esbuild.Rebuild()

	if err := ctx.Err(); err != nil {
		c.finish(nil, nil)
		span.SetStatus(codes.Error, "canceled")
		return nil, err
	}

	stats := &Stats{
		StartTime:   start,
		Errors:      fromAPIMessages(result.Errors),
		Warnings:    fromAPIMessages(result.Warnings),
		rawErrors:   result.Errors,
		rawWarnings: result.Warnings,
	}

	var (
		next    afero.Fs
		emitErr error
	)
	if len(result.Errors) == 0 {
		next, emitErr = c.emit(ctx, result, stats)
		if emitErr != nil {
			stats.addError("emit", emitErr)
			next = nil
		}
	}
	stats.Duration = time.Since(start)
	stats.sortAssets()

	c.opts.Metrics.ObserveBuild(stats.Duration, stats.HasErrors())
	span.SetAttributes(
		attribute.Int("packscripts.errors", len(stats.Errors)),
		attribute.Int("packscripts.warnings", len(stats.Warnings)),
		attribute.Int("packscripts.assets", len(stats.Assets)),
	)
	if stats.HasErrors() {
		span.SetStatus(codes.Error, "build failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	c.finish(stats, next)

	if emitErr != nil {
		span.RecordError(emitErr)
		return stats, emitErr
	}
	return stats, nil
}

// emit runs the emitter chain against the output filesystem for this build
// and returns it. In memory, every build gets a fresh filesystem so a
// failed build never disturbs the one being served.
func (c *Compiler) emit(ctx context.Context, result api.BuildResult, stats *Stats) (afero.Fs, error) {
	meta, err := parseMetafile(result.Metafile)
	if err != nil {
		return nil, errors.New("E142").WithDetail("Reading bundler metafile").Wrap(err)
	}

	out := c.Fs()
	if c.inMemory {
		out = afero.NewMemMapFs()
	}

	outdir := c.cfg.OutputPath()
	comp := &Compilation{
		Config:  c.cfg,
		Fs:      out,
		Source:  c.opts.Source,
		Logger:  c.logger,
		Scripts: c.opts.Scripts,
	}

	digester := digest.SHA256.Digester()
	_, _ = digester.Hash().Write([]byte(c.cfg.Output.HashSalt))
	for _, file := range result.OutputFiles {
		rel, err := filepath.Rel(outdir, file.Path)
		if err != nil {
			return nil, errors.New("E142").Wrap(err)
		}
		o := Output{
			Name:     "/" + filepath.ToSlash(rel),
			Contents: file.Contents,
		}
		if m, ok := meta.output(c.cfg.Dir, file.Path); ok && m.EntryPoint != "" {
			o.EntryPoint = m.EntryPoint
			if m.CSSBundle != "" {
				if css, err := filepath.Rel(filepath.ToSlash(c.relOutdir()), m.CSSBundle); err == nil {
					o.CSSBundle = "/" + filepath.ToSlash(css)
				}
			}
		}
		comp.Outputs = append(comp.Outputs, o)
		_, _ = digester.Hash().Write([]byte(o.Name))
		_, _ = digester.Hash().Write(file.Contents)
	}
	stats.Digest = digester.Digest()

	for i, e := range c.emitters {
		if c.opts.Progress != nil {
			c.opts.Progress(e.Name(), i, len(c.emitters))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.Emit(ctx, comp); err != nil {
			return nil, err
		}
	}

	for _, name := range comp.Assets() {
		stats.Assets = append(stats.Assets, Asset{Name: name, Size: comp.assets[name], Emitted: true})
	}
	return out, nil
}

// relOutdir is the output directory relative to the project root, the form
// metafile paths use.
func (c *Compiler) relOutdir() string {
	rel, err := filepath.Rel(c.cfg.Dir, c.cfg.OutputPath())
	if err != nil {
		return c.cfg.OutputPath()
	}
	return rel
}

// Watch builds once, then rebuilds whenever watched files change until ctx
// is done. Changes that arrive while a build runs collapse into a single
// follow-up build.
func (c *Compiler) Watch(ctx context.Context) error {
	ignore := append([]string(nil), c.cfg.Dev.Ignore...)
	if !c.inMemory {
		ignore = append(ignore, filepath.ToSlash(c.relOutdir()))
	}
	w := NewWatcher(WatcherConfig{
		Paths:    c.cfg.WatchPaths(),
		Ignore:   ignore,
		Interval: c.cfg.Dev.Debounce,
		Fs:       c.opts.Source,
	})

	pending := make(chan struct{}, 1)
	w.OnChange(func(changes []Change) {
		for _, ch := range changes {
			c.logger.Debug("file changed", "path", ch.Path, "kind", ch.Kind.String())
		}
		select {
		case pending <- struct{}{}:
		default:
		}
	})

	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Start(ctx) }()
	defer w.Stop()

	c.rebuild(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watchErr:
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("E161").Wrap(err)
		case <-pending:
			c.rebuild(ctx)
		}
	}
}

func (c *Compiler) rebuild(ctx context.Context) {
	stats, err := c.Run(ctx)
	switch {
	case ctx.Err() != nil:
	case err != nil:
		c.logger.Error("build failed", "error", err)
	case stats.HasErrors():
		c.logger.Warn("build finished with errors", "errors", len(stats.Errors), "duration", stats.Duration)
	default:
		c.logger.Info("build finished", "hash", stats.Hash(), "duration", stats.Duration, "assets", len(stats.Assets))
	}
}

// Close cancels any running build and releases the esbuild context. It is
// safe to call more than once.
func (c *Compiler) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.esbuild.Cancel()
	c.runMu.Lock()
	c.esbuild.Dispose()
	c.runMu.Unlock()
	c.finish(nil, nil)
}
