package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/packscripts/internal/build"
	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/dev"
	"github.com/vango-dev/packscripts/internal/publish"
)

func writeProject(t *testing.T, index string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.json":      `{"name":"demo","version":"1.0.0","license":"MIT"}`,
		"src/index.tsx":     index,
		"public/index.html": "<html><head><title>{{.DOCUMENT_TITLE}}</title></head><body></body></html>",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

func execute(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("NODE_ENV", "")
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// forbidWork makes any attempt to build or serve fail the test.
func forbidWork(t *testing.T) {
	t.Helper()
	origServer, origBuilder := newDevServer, newBuilder
	t.Cleanup(func() {
		newDevServer, newBuilder = origServer, origBuilder
	})
	newDevServer = func(dev.ServerOptions) (*dev.Server, error) {
		t.Fatal("dev server constructed")
		return nil, nil
	}
	newBuilder = func(cfg *config.Config, opts build.Options) *build.Builder {
		t.Fatal("builder constructed")
		return nil
	}
}

func TestRun_UnknownScript(t *testing.T) {
	forbidWork(t)

	code, stdout, _ := execute(t, context.Background(), "eject")
	assert.Equal(t, 0, code)
	assert.Equal(t, "Unknown script \"eject\".\n", stdout)
}

func TestRun_NoArgsPrintsHelp(t *testing.T) {
	forbidWork(t)

	code, stdout, _ := execute(t, context.Background())
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Usage:")
	assert.Contains(t, stdout, "start")
}

func TestRun_BuildSucceeds(t *testing.T) {
	dir := writeProject(t, "const greet = (n: string) => `hi ${n}`\nconsole.log(greet('x'))\n")

	code, stdout, stderr := execute(t, context.Background(), "build", "--dir", dir, "--no-typecheck")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Compiled successfully")
	assert.Contains(t, stdout, "index.html")

	html, err := os.ReadFile(filepath.Join(dir, "dist", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "<title>demo</title>")

	matches, err := filepath.Glob(filepath.Join(dir, "dist", "js", "*.js"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestRun_BuildFails(t *testing.T) {
	dir := writeProject(t, "const = ;\n")

	code, stdout, stderr := execute(t, context.Background(), "build", "--dir", dir, "--no-typecheck")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "ERROR")
	assert.Contains(t, stderr, "Failed to compile.")
	assert.Contains(t, stderr, "E141")
	assert.NoFileExists(t, filepath.Join(dir, "dist", "index.html"))
}

func TestRun_BuildMissingProject(t *testing.T) {
	code, _, stderr := execute(t, context.Background(), "build", "--dir", t.TempDir())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "E121")
}

type fakePublisher struct {
	files int
}

func (f *fakePublisher) Publish(_ context.Context, fs afero.Fs) (*publish.Report, error) {
	err := afero.Walk(fs, "/", func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			f.files++
		}
		return err
	})
	return &publish.Report{Bucket: "site", Prefix: "v1", Files: f.files, Bytes: 2048}, err
}

func TestRun_BuildPublish(t *testing.T) {
	dir := writeProject(t, "console.log('hello')\n")

	fake := &fakePublisher{}
	orig := newPublisher
	t.Cleanup(func() { newPublisher = orig })
	newPublisher = func(context.Context, *config.Config) (build.Publisher, error) {
		return fake, nil
	}

	code, stdout, stderr := execute(t, context.Background(), "build", "--dir", dir, "--no-typecheck", "--publish")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Greater(t, fake.files, 0)
	assert.Contains(t, stdout, "to s3://site/v1")
	assert.Contains(t, stdout, "2.0 kB")
}

func TestRun_StartStopsOnCancel(t *testing.T) {
	dir := writeProject(t, "console.log('hello')\n")

	var listens atomic.Int32
	orig := newDevServer
	t.Cleanup(func() { newDevServer = orig })
	newDevServer = func(opts dev.ServerOptions) (*dev.Server, error) {
		// Port 0 in the configuration means the default port; bind an
		// ephemeral one instead.
		opts.Config.Dev.Port = 0
		opts.Listen = func(network, address string) (net.Listener, error) {
			listens.Add(1)
			return net.Listen(network, address)
		}
		return orig(opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, stdout, stderr := execute(t, ctx, "start", "--dir", dir, "--no-typecheck")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Equal(t, int32(1), listens.Load())
	assert.Contains(t, stdout, "DevServer is running at")
	assert.True(t, strings.HasSuffix(stdout, "Exit\n"), stdout)
}

func TestRun_StartInvalidPort(t *testing.T) {
	dir := writeProject(t, "console.log('hello')\n")
	forbidWork(t)

	code, _, stderr := execute(t, context.Background(), "start", "--dir", dir, "--port", "70000")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "E122")
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := execute(t, context.Background(), "version", "--short")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dev\n", stdout)

	code, stdout, _ = execute(t, context.Background(), "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Version:")
	assert.Contains(t, stdout, "OS/Arch:")
}

func TestRun_Config(t *testing.T) {
	dir := writeProject(t, "console.log('hello')\n")
	forbidWork(t)

	code, stdout, stderr := execute(t, context.Background(), "config", "--dir", dir, "--mode", "production")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "mode: production")
	assert.Contains(t, stdout, "minify: true")
	assert.NoDirExists(t, filepath.Join(dir, "dist"))

	code, _, stderr = execute(t, context.Background(), "config", "--dir", dir, "--mode", "staging")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "E124")
}

func TestRun_BadLogLevel(t *testing.T) {
	t.Setenv(logLevelEnv, "loud")
	code, _, stderr := execute(t, context.Background(), "version")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, logLevelEnv)
}
