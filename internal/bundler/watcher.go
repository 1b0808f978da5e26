package bundler

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// ChangeKind classifies a changed source file.
type ChangeKind int

const (
	ChangeScript ChangeKind = iota
	ChangeStyle
	ChangeTemplate
	ChangeAsset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeScript:
		return "script"
	case ChangeStyle:
		return "style"
	case ChangeTemplate:
		return "template"
	default:
		return "asset"
	}
}

// Change is one detected file change.
type Change struct {
	Path string
	Kind ChangeKind
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Paths are the files and directories to watch.
	Paths []string

	// Ignore patterns to skip: bare names match any path segment, patterns
	// with a slash match consecutive segments, globs match names or paths.
	Ignore []string

	// Interval is the polling interval.
	Interval time.Duration

	// Fs is the filesystem to poll. Defaults to the OS filesystem.
	Fs afero.Fs
}

// DefaultIgnore contains patterns that are never watched.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	"dist",
	".cache",
	"*.tmp",
	"*.swp",
	"*~",
	".DS_Store",
}

// Watcher polls files for modification time changes. Each poll reports the
// whole batch of changes at once, so a burst of saves produces one callback.
type Watcher struct {
	config     WatcherConfig
	fs         afero.Fs
	onChange   func([]Change)
	mu         sync.Mutex
	running    bool
	scanned    bool
	stopCh     chan struct{}
	timestamps map[string]time.Time
}

// NewWatcher creates a new file watcher.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	config.Ignore = append(append([]string(nil), DefaultIgnore...), config.Ignore...)
	fs := config.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &Watcher{
		config:     config,
		fs:         fs,
		timestamps: make(map[string]time.Time),
	}
}

// OnChange sets the callback for file changes.
func (w *Watcher) OnChange(fn func([]Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start polls until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.scan()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			if changes := w.scan(); len(changes) > 0 {
				w.mu.Lock()
				callback := w.onChange
				w.mu.Unlock()
				if callback != nil {
					callback(changes)
				}
			}
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// scan walks the watched paths and returns what changed since the last
// scan. The first scan only records timestamps.
func (w *Watcher) scan() []Change {
	seen := make(map[string]time.Time)
	for _, root := range w.config.Paths {
		_ = afero.Walk(w.fs, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if w.shouldIgnore(p) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.IsDir() {
				seen[p] = info.ModTime()
			}
			return nil
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	first := !w.scanned
	w.scanned = true
	var changes []Change
	for p, mod := range seen {
		last, ok := w.timestamps[p]
		if !ok || mod.After(last) {
			changes = append(changes, Change{Path: p, Kind: classifyChange(p)})
		}
	}
	for p := range w.timestamps {
		if _, ok := seen[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: classifyChange(p)})
		}
	}
	w.timestamps = seen

	if first {
		return nil
	}
	return changes
}

// shouldIgnore checks if a path should be ignored.
func (w *Watcher) shouldIgnore(fullPath string) bool {
	name := filepath.Base(fullPath)
	normalized := filepath.ToSlash(fullPath)

	for _, pattern := range w.config.Ignore {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if name == pattern {
			return true
		}

		hasPathSep := strings.Contains(pattern, "/")
		if strings.ContainsAny(pattern, "*?[") {
			target := name
			if hasPathSep {
				target = normalized
			}
			if matched, _ := path.Match(pattern, target); matched {
				return true
			}
			continue
		}

		if hasPathSep {
			if pathMatchesSegments(normalized, pattern) {
				return true
			}
			continue
		}
		if pathHasSegment(normalized, pattern) {
			return true
		}
	}

	return false
}

func pathHasSegment(p, segment string) bool {
	for _, part := range splitPathSegments(p) {
		if part == segment {
			return true
		}
	}
	return false
}

func pathMatchesSegments(p, pattern string) bool {
	pathParts := splitPathSegments(p)
	patternParts := splitPathSegments(pattern)
	if len(patternParts) == 0 || len(patternParts) > len(pathParts) {
		return false
	}

	for i := 0; i <= len(pathParts)-len(patternParts); i++ {
		match := true
		for j := range patternParts {
			if pathParts[i+j] != patternParts[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func splitPathSegments(p string) []string {
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			result = append(result, part)
		}
	}
	return result
}

// classifyChange determines the kind of change from the file extension.
func classifyChange(p string) ChangeKind {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".json":
		return ChangeScript
	case ".css", ".scss", ".sass":
		return ChangeStyle
	case ".html", ".ejs":
		return ChangeTemplate
	default:
		return ChangeAsset
	}
}
