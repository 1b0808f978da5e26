// Package typecheck runs the TypeScript compiler as a type checker. The
// bundler strips types without checking them; this package fills that gap
// by running the project's own tsc with --noEmit.
package typecheck

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
)

// stopGrace is how long a watching tsc gets to exit before it is killed.
const stopGrace = 5 * time.Second

// Options configures a Checker.
type Options struct {
	// Binary overrides the tsc executable. Defaults to the project's
	// node_modules/.bin/tsc.
	Binary string

	// Out receives the checker's output in watch mode. Defaults to
	// os.Stderr.
	Out io.Writer

	Logger *slog.Logger
}

// Checker runs tsc --noEmit for one project.
type Checker struct {
	dir     string
	project string
	binary  string
	out     io.Writer
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a checker for cfg's project and tsconfig.
func New(cfg *config.Config, opts Options) *Checker {
	if opts.Binary == "" {
		opts.Binary = filepath.Join(cfg.Dir, "node_modules", ".bin", binaryName)
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Checker{
		dir:     cfg.Dir,
		project: cfg.Abs(cfg.TypeCheck.Config),
		binary:  opts.Binary,
		out:     opts.Out,
		logger:  opts.Logger,
	}
}

// Available reports whether the tsc binary exists.
func (c *Checker) Available() bool {
	info, err := os.Stat(c.binary)
	return err == nil && !info.IsDir()
}

func (c *Checker) args(watch bool) []string {
	args := []string{"--noEmit", "--pretty", "false", "-p", c.project}
	if watch {
		args = append(args, "--watch", "--preserveWatchOutput")
	}
	return args
}

func (c *Checker) missing() error {
	return errors.New("E144").
		WithDetail(fmt.Sprintf("%s was not found.", c.binary)).
		WithSuggestion("Install typescript in the project (npm install --save-dev typescript) or pass --no-typecheck.")
}

// Run checks the project once. Type errors are returned as an E144 error
// carrying the compiler output.
func (c *Checker) Run(ctx context.Context) error {
	if !c.Available() {
		return c.missing()
	}

	var out bytes.Buffer
	proc, err := startProcess(c.binary, c.args(false), c.dir, os.Environ(), &out)
	if err != nil {
		return errors.New("E144").Wrap(err)
	}

	select {
	case err = <-proc.done:
	case <-ctx.Done():
		stopProcess(proc, stopGrace)
		return ctx.Err()
	}
	if err != nil {
		return errors.New("E144").
			WithDetail(strings.TrimSpace(out.String())).
			Wrap(err)
	}
	c.logger.Debug("type check passed", "project", c.project)
	return nil
}

// Watch runs tsc in watch mode until ctx is done. It returns an error if
// tsc cannot be started or exits on its own.
func (c *Checker) Watch(ctx context.Context) error {
	if !c.Available() {
		return c.missing()
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	proc, err := startProcess(c.binary, c.args(true), c.dir, os.Environ(), c.out)
	if err != nil {
		return errors.New("E144").Wrap(err)
	}
	c.logger.Info("type checker started", "project", c.project)

	select {
	case <-ctx.Done():
		stopProcess(proc, stopGrace)
		return nil
	case err := <-proc.done:
		if err == nil {
			return errors.New("E144").WithDetail("tsc --watch exited unexpectedly")
		}
		return errors.New("E144").Wrap(err)
	}
}
