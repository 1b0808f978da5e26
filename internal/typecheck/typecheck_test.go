package typecheck

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
)

// fakeTSC writes a shell script standing in for tsc.
func fakeTSC(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "tsc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New(config.ModeDevelopment, config.Project{Name: "demo"})
	cfg.Dir = t.TempDir()
	return cfg
}

// syncBuffer is a bytes.Buffer safe for the process copier and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_Defaults(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, Options{})

	assert.Equal(t, filepath.Join(cfg.Dir, "node_modules", ".bin", binaryName), c.binary)
	assert.Equal(t, filepath.Join(cfg.Dir, "tsconfig.json"), c.project)
	assert.False(t, c.Available())
}

func TestArgs(t *testing.T) {
	c := New(testConfig(t), Options{})

	once := c.args(false)
	assert.Equal(t, []string{"--noEmit", "--pretty", "false", "-p", c.project}, once)
	assert.Equal(t, append(once, "--watch", "--preserveWatchOutput"), c.args(true))
}

func TestRun_Passes(t *testing.T) {
	c := New(testConfig(t), Options{Binary: fakeTSC(t, `exit 0`)})
	assert.NoError(t, c.Run(context.Background()))
}

func TestRun_TypeErrors(t *testing.T) {
	bin := fakeTSC(t, `echo "src/index.tsx(3,7): error TS2322: Type 'number' is not assignable to type 'string'."
exit 2`)
	c := New(testConfig(t), Options{Binary: bin})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, "E144"))

	var pe *errors.PackError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Detail, "TS2322")
}

func TestRun_PassesArguments(t *testing.T) {
	bin := fakeTSC(t, `echo "$@"
exit 1`)
	cfg := testConfig(t)
	c := New(cfg, Options{Binary: bin})

	var pe *errors.PackError
	require.ErrorAs(t, c.Run(context.Background()), &pe)
	assert.Equal(t, "--noEmit --pretty false -p "+filepath.Join(cfg.Dir, "tsconfig.json"), pe.Detail)
}

func TestRun_MissingBinary(t *testing.T) {
	c := New(testConfig(t), Options{})

	err := c.Run(context.Background())
	assert.True(t, errors.HasCode(err, "E144"))

	var pe *errors.PackError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Suggestion, "--no-typecheck")
}

func TestRun_Canceled(t *testing.T) {
	c := New(testConfig(t), Options{Binary: fakeTSC(t, `sleep 30`)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWatch_StopsOnCancel(t *testing.T) {
	out := &syncBuffer{}
	bin := fakeTSC(t, `echo "Starting compilation in watch mode..."
while true; do sleep 1; done`)
	c := New(testConfig(t), Options{Binary: bin, Out: out})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "watch mode")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_ExitsEarly(t *testing.T) {
	c := New(testConfig(t), Options{Binary: fakeTSC(t, `exit 0`), Out: &syncBuffer{}})

	err := c.Watch(context.Background())
	assert.True(t, errors.HasCode(err, "E144"))
}
