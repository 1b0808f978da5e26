package bundler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
)

// Output is one file produced by the bundler.
type Output struct {
	// Name is the slash path under the output root, with a leading slash.
	Name     string
	Contents []byte

	// EntryPoint is the source entry this output was built for, if any.
	EntryPoint string

	// CSSBundle names the stylesheet esbuild split off this entry, if any.
	CSSBundle string
}

// Compilation is the state shared by the emitters of one successful build.
type Compilation struct {
	Config  *config.Config
	Outputs []Output

	// Fs is the output filesystem; names are rooted at the output dir.
	Fs afero.Fs

	// Source is the filesystem project files are read from.
	Source afero.Fs

	Logger *slog.Logger

	// Scripts are extra tags injected before </body> in generated HTML.
	Scripts []string

	assets map[string]int64
}

// WriteFile writes name into the output filesystem and records it as an
// emitted asset.
func (c *Compilation) WriteFile(name string, data []byte) error {
	name = "/" + strings.TrimPrefix(path.Clean("/"+name), "/")
	if err := c.Fs.MkdirAll(path.Dir(name), 0755); err != nil {
		return err
	}
	if err := afero.WriteFile(c.Fs, name, data, 0644); err != nil {
		return err
	}
	if c.assets == nil {
		c.assets = make(map[string]int64)
	}
	c.assets[name] = int64(len(data))
	return nil
}

// Assets returns the emitted asset names in order.
func (c *Compilation) Assets() []string {
	names := make([]string, 0, len(c.assets))
	for name := range c.assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Emitter is a post-build step.
type Emitter interface {
	Name() string
	Emit(ctx context.Context, c *Compilation) error
}

// DefaultEmitters returns the emitter chain for cfg in execution order.
func DefaultEmitters(cfg *config.Config) []Emitter {
	var chain []Emitter
	if cfg.Build.Clean {
		chain = append(chain, CleanEmitter{})
	}
	chain = append(chain, OutputsEmitter{}, HTMLEmitter{}, CopyEmitter{}, ManifestEmitter{})
	if len(cfg.Build.Compression) > 0 {
		chain = append(chain, CompressEmitter{Algorithms: cfg.Build.Compression})
	}
	return chain
}

// CleanEmitter removes everything under the output root.
type CleanEmitter struct{}

func (CleanEmitter) Name() string { return "clean" }

func (CleanEmitter) Emit(_ context.Context, c *Compilation) error {
	entries, err := afero.ReadDir(c.Fs, "/")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New("E143").Wrap(err)
	}
	for _, entry := range entries {
		if err := c.Fs.RemoveAll("/" + entry.Name()); err != nil {
			return errors.New("E143").Wrap(err)
		}
	}
	return nil
}

// OutputsEmitter writes the bundler output files.
type OutputsEmitter struct{}

func (OutputsEmitter) Name() string { return "outputs" }

func (OutputsEmitter) Emit(_ context.Context, c *Compilation) error {
	for _, out := range c.Outputs {
		if err := c.WriteFile(out.Name, out.Contents); err != nil {
			return errors.New("E142").Wrap(err)
		}
	}
	return nil
}

// CopyEmitter copies the static directory into the output root, skipping
// ignored names. A missing static directory is not an error.
type CopyEmitter struct{}

func (CopyEmitter) Name() string { return "copy" }

func (CopyEmitter) Emit(_ context.Context, c *Compilation) error {
	from := c.Config.Abs(c.Config.Copy.From)
	if ok, _ := afero.DirExists(c.Source, from); !ok {
		return nil
	}

	ignored := make(map[string]bool, len(c.Config.Copy.Ignore))
	for _, name := range c.Config.Copy.Ignore {
		ignored[name] = true
	}

	err := afero.Walk(c.Source, from, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignored[rel] || ignored[info.Name()] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		src, err := c.Source.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		data, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		return c.WriteFile(rel, data)
	})
	if err != nil {
		return errors.New("E142").WithDetail("Copying " + c.Config.Copy.From).Wrap(err)
	}
	return nil
}

// ManifestEmitter writes manifest.json mapping logical entry names to the
// hashed output names.
type ManifestEmitter struct{}

// ManifestFile is the name of the written manifest.
const ManifestFile = "manifest.json"

func (ManifestEmitter) Name() string { return "manifest" }

func (ManifestEmitter) Emit(_ context.Context, c *Compilation) error {
	manifest := make(map[string]string)
	for _, out := range c.Outputs {
		if out.EntryPoint == "" {
			continue
		}
		base := strings.TrimSuffix(path.Base(out.EntryPoint), path.Ext(out.EntryPoint))
		manifest[base+path.Ext(out.Name)] = out.Name
		if out.CSSBundle != "" {
			manifest[base+".css"] = out.CSSBundle
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.New("E142").Wrap(err)
	}
	if err := c.WriteFile(ManifestFile, append(data, '\n')); err != nil {
		return errors.New("E142").Wrap(err)
	}
	return nil
}
