package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/vango-dev/packscripts/internal/bundler"
	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
	"github.com/vango-dev/packscripts/internal/metrics"
	"github.com/vango-dev/packscripts/internal/publish"
)

// Step names reported to OnProgress besides the emitter names.
const (
	StepTypeCheck = "typecheck"
	StepBundle    = "bundle"
	StepPublish   = "publish"
)

// TypeChecker checks the project once before bundling.
type TypeChecker interface {
	Run(ctx context.Context) error
}

// Publisher uploads the build output.
type Publisher interface {
	Publish(ctx context.Context, fs afero.Fs) (*publish.Report, error)
}

// Result contains the build output.
type Result struct {
	// Duration is how long the whole build took, type check and upload
	// included.
	Duration time.Duration

	// Stats describes the bundler run. It is set whenever the bundler ran,
	// also when the build failed.
	Stats *bundler.Stats

	// Output is the output directory.
	Output string

	// Published is set when the output was uploaded.
	Published *publish.Report
}

// Options configures the builder.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// TypeChecker runs before bundling when set.
	TypeChecker TypeChecker

	// Publisher uploads the output after a successful build when set.
	Publisher Publisher

	// Source and Output are passed on to the compiler.
	Source afero.Fs
	Output afero.Fs

	// OnProgress is called before each step with the number of steps
	// already finished and the total.
	OnProgress func(step string, done, total int)
}

// Builder runs one production build.
type Builder struct {
	config  *config.Config
	options Options
}

// New creates a new builder.
func New(cfg *config.Config, options Options) *Builder {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Builder{
		config:  cfg,
		options: options,
	}
}

// steps lists every step Build reports, in order.
func (b *Builder) steps() []string {
	var steps []string
	if b.options.TypeChecker != nil {
		steps = append(steps, StepTypeCheck)
	}
	steps = append(steps, StepBundle)
	for _, e := range bundler.DefaultEmitters(b.config) {
		steps = append(steps, e.Name())
	}
	if b.options.Publisher != nil {
		steps = append(steps, StepPublish)
	}
	return steps
}

// Build runs the bundler exactly once. Bundler diagnostics turn into an
// E141 error; the result still carries the stats so they can be printed.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{Output: b.config.OutputPath()}

	steps := b.steps()
	done := 0
	progress := func(step string) {
		if b.options.OnProgress != nil {
			b.options.OnProgress(step, done, len(steps))
		}
		done++
	}

	if b.options.TypeChecker != nil {
		progress(StepTypeCheck)
		if err := b.options.TypeChecker.Run(ctx); err != nil {
			return result, err
		}
	}

	progress(StepBundle)
	compiler, err := bundler.New(b.config, bundler.Options{
		Logger:   b.options.Logger,
		Metrics:  b.options.Metrics,
		Source:   b.options.Source,
		Output:   b.options.Output,
		Progress: func(step string, _, _ int) { progress(step) },
	})
	if err != nil {
		return result, err
	}
	defer compiler.Close()

	stats, err := compiler.Run(ctx)
	result.Stats = stats
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}
	if stats.HasErrors() {
		err := errors.New("E141").
			WithDetail(fmt.Sprintf("%d error(s) while bundling %s.", len(stats.Errors), b.config.Project.Name))
		if first := stats.Errors[0]; first.File != "" {
			err.WithLocation(b.config.Abs(first.File), first.Line, first.Column)
		}
		return result, err
	}

	if b.options.Publisher != nil {
		progress(StepPublish)
		report, err := b.options.Publisher.Publish(ctx, compiler.Fs())
		result.Published = report
		result.Duration = time.Since(start)
		if err != nil {
			return result, err
		}
	}

	b.options.Logger.Debug("build finished",
		"output", result.Output,
		"hash", stats.Hash(),
		"duration", result.Duration)
	return result, nil
}
