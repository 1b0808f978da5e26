package build

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
	"github.com/vango-dev/packscripts/internal/publish"
)

func newProject(t *testing.T, index string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.json":      `{"name":"demo","license":"MIT"}`,
		"src/index.tsx":     index,
		"public/index.html": "<html><head></head><body></body></html>",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.New(config.ModeProduction, config.Project{Name: "demo", License: "MIT"})
	cfg.Dir = dir
	return cfg
}

type fakeChecker struct {
	err   error
	calls int
}

func (f *fakeChecker) Run(context.Context) error {
	f.calls++
	return f.err
}

type fakePublisher struct {
	err   error
	files []string
}

func (f *fakePublisher) Publish(_ context.Context, fs afero.Fs) (*publish.Report, error) {
	err := afero.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			f.files = append(f.files, p)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &publish.Report{Files: len(f.files)}, f.err
}

func TestBuild_Success(t *testing.T) {
	cfg := newProject(t, "console.log('hello')\n")
	out := afero.NewMemMapFs()

	var steps []string
	builder := New(cfg, Options{
		Output: out,
		OnProgress: func(step string, done, total int) {
			steps = append(steps, step)
			if total != 7 {
				t.Errorf("total = %d, want 7", total)
			}
			if done != len(steps)-1 {
				t.Errorf("%s: done = %d, want %d", step, done, len(steps)-1)
			}
		},
	})

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	want := []string{"bundle", "clean", "outputs", "html", "copy", "manifest", "compress"}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("steps = %v, want %v", steps, want)
	}
	if result.Stats == nil || result.Stats.Hash() == "" {
		t.Fatal("result should carry stats with a hash")
	}
	if result.Output != filepath.Join(cfg.Dir, "dist") {
		t.Errorf("Output = %q", result.Output)
	}
	if result.Published != nil {
		t.Error("nothing should be published without a publisher")
	}
	if ok, _ := afero.Exists(out, "/index.html"); !ok {
		t.Error("index.html not written")
	}
}

func TestBuild_WritesOutputDir(t *testing.T) {
	cfg := newProject(t, "console.log('hello')\n")

	if _, err := New(cfg, Options{}).Build(context.Background()); err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Dir, "dist", "index.html"))
	if err != nil {
		t.Fatalf("reading index.html: %v", err)
	}
	if !strings.Contains(string(data), `<script defer src="/js/index.`) {
		t.Errorf("index.html missing entry script:\n%s", data)
	}
}

func TestBuild_BundleErrors(t *testing.T) {
	cfg := newProject(t, "const x = ;\n")

	result, err := New(cfg, Options{Output: afero.NewMemMapFs()}).Build(context.Background())
	if !errors.HasCode(err, "E141") {
		t.Fatalf("Build() error = %v, want E141", err)
	}
	if result == nil || result.Stats == nil || !result.Stats.HasErrors() {
		t.Fatal("failed build should still return stats with errors")
	}

	var pe *errors.PackError
	if !stderrors.As(err, &pe) || pe.Location == nil {
		t.Fatalf("Build() error = %#v, want a located PackError", err)
	}
	if want := filepath.Join(cfg.Dir, "src", "index.tsx"); pe.Location.File != want || pe.Location.Line != 1 {
		t.Errorf("Location = %v, want %s:1", pe.Location, want)
	}
	if len(pe.Context) == 0 || !strings.Contains(pe.Context[0], "const x = ;") {
		t.Errorf("Context = %q, want the failing source line", pe.Context)
	}
}

func TestBuild_TypeCheckFailsFirst(t *testing.T) {
	cfg := newProject(t, "console.log('hello')\n")
	out := afero.NewMemMapFs()
	checker := &fakeChecker{err: errors.New("E144").WithDetail("TS2322")}

	var steps []string
	result, err := New(cfg, Options{
		Output:      out,
		TypeChecker: checker,
		OnProgress:  func(step string, _, _ int) { steps = append(steps, step) },
	}).Build(context.Background())

	if !errors.HasCode(err, "E144") {
		t.Fatalf("Build() error = %v, want E144", err)
	}
	if checker.calls != 1 {
		t.Errorf("checker ran %d times, want 1", checker.calls)
	}
	if result.Stats != nil {
		t.Error("bundler should not run after a failed type check")
	}
	if !reflect.DeepEqual(steps, []string{"typecheck"}) {
		t.Errorf("steps = %v", steps)
	}
}

func TestBuild_Publish(t *testing.T) {
	cfg := newProject(t, "console.log('hello')\n")
	pub := &fakePublisher{}

	var last string
	result, err := New(cfg, Options{
		Output:     afero.NewMemMapFs(),
		Publisher:  pub,
		OnProgress: func(step string, _, _ int) { last = step },
	}).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if last != StepPublish {
		t.Errorf("last step = %q, want publish", last)
	}
	if result.Published == nil || result.Published.Files != len(pub.files) {
		t.Errorf("Published = %+v, want %d files", result.Published, len(pub.files))
	}
	found := false
	for _, f := range pub.files {
		if f == "/index.html" {
			found = true
		}
	}
	if !found {
		t.Errorf("published files %v missing /index.html", pub.files)
	}
}

func TestBuild_PublishError(t *testing.T) {
	cfg := newProject(t, "console.log('hello')\n")
	uploadErr := errors.New("E180").Wrap(stderrors.New("access denied"))

	_, err := New(cfg, Options{
		Output:    afero.NewMemMapFs(),
		Publisher: &fakePublisher{err: uploadErr},
	}).Build(context.Background())

	if !errors.HasCode(err, "E180") {
		t.Fatalf("Build() error = %v, want E180", err)
	}
}

func TestBuild_InvalidConfig(t *testing.T) {
	cfg := newProject(t, "console.log('hello')\n")
	cfg.Dev.Port = 70000

	_, err := New(cfg, Options{}).Build(context.Background())
	if !errors.HasCode(err, "E122") {
		t.Fatalf("Build() error = %v, want E122", err)
	}
}

func TestBuild_OutputOverProjectKeepsSources(t *testing.T) {
	for _, out := range []string{".", "src"} {
		t.Run(out, func(t *testing.T) {
			cfg := newProject(t, "console.log('hello')\n")
			cfg.Output.Path = out

			_, err := New(cfg, Options{}).Build(context.Background())
			if !errors.HasCode(err, "E120") {
				t.Fatalf("Build() error = %v, want E120", err)
			}
			for _, name := range []string{"package.json", "src/index.tsx", "public/index.html"} {
				if _, err := os.Stat(filepath.Join(cfg.Dir, name)); err != nil {
					t.Errorf("%s was removed: %v", name, err)
				}
			}
		})
	}
}
