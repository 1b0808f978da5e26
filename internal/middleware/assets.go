package middleware

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/vango-dev/packscripts/internal/bundler"
)

// Compilation is the part of the compiler the asset stage needs.
type Compilation interface {
	// Wait blocks until a build is available.
	Wait(ctx context.Context) (*bundler.Stats, error)

	// Fs returns the output of the latest successful build, or nil.
	Fs() afero.Fs
}

// AssetsOptions configures Assets.
type AssetsOptions struct {
	Logger *slog.Logger

	// Index is served for directory requests. Defaults to index.html.
	Index string
}

// Assets serves build output. Requests made while a build is in flight
// wait for it to finish.
type Assets struct {
	src    Compilation
	logger *slog.Logger
	index  string
}

// NewAssets creates the asset stage for src.
func NewAssets(src Compilation, opts AssetsOptions) *Assets {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Index == "" {
		opts.Index = bundler.HTMLFile
	}
	return &Assets{src: src, logger: opts.Logger, index: opts.Index}
}

func (a *Assets) ServeHTTP(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		next()
		return
	}

	if _, err := a.src.Wait(r.Context()); err != nil {
		if stderrors.Is(err, bundler.ErrClosed) {
			http.Error(w, "dev server is shutting down", http.StatusServiceUnavailable)
			End(w)
		}
		// Otherwise the client went away while waiting.
		return
	}

	fs := a.src.Fs()
	if fs == nil {
		next()
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") {
		name = path.Join(name, a.index)
	}

	f, err := fs.Open(name)
	if err != nil {
		next()
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		next()
		return
	}
	if info.IsDir() {
		name = path.Join(name, a.index)
		if f, err = fs.Open(name); err != nil {
			next()
			return
		}
		defer f.Close()
		if info, err = f.Stat(); err != nil || info.IsDir() {
			next()
			return
		}
	}

	a.logger.Debug("serving asset", "path", name, "size", info.Size())
	http.ServeContent(w, r, name, info.ModTime(), f)
	End(w)
}
