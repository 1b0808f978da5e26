package dev

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/packscripts/internal/metrics"
	"github.com/vango-dev/packscripts/internal/middleware"
)

// recorder collects stage events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func passStage(name string) Stage {
	return Stage{Name: name, Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		next()
	})}
}

func TestPipeline_StageOrdering(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})

	first := Stage{Name: "first", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		rec.add("first:start")
		go func() {
			time.Sleep(20 * time.Millisecond)
			rec.add("first:next")
			next()
		}()
		<-release
	})}
	second := Stage{Name: "second", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		rec.add("second")
		_, _ = io.WriteString(w, "from second")
	})}

	p := NewPipeline(PipelineOptions{}, first, second)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	close(release)

	assert.Equal(t, []string{"first:start", "first:next", "second"}, rec.list())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from second", w.Body.String())
}

func TestPipeline_FirstStageServes(t *testing.T) {
	rec := &recorder{}
	first := Stage{Name: "first", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "<p>hi</p>")
	})}
	second := Stage{Name: "second", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		rec.add("second")
	})}

	w := httptest.NewRecorder()
	NewPipeline(PipelineOptions{}, first, second).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Empty(t, rec.list())
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Equal(t, "<p>hi</p>", w.Body.String())
}

func TestPipeline_HeadersCarryAcrossStages(t *testing.T) {
	first := Stage{Name: "first", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		w.Header().Set("X-First", "1")
		next()
		_, _ = io.WriteString(w, "ignored")
	})}
	second := Stage{Name: "second", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		_, _ = io.WriteString(w, "second")
	})}

	w := httptest.NewRecorder()
	NewPipeline(PipelineOptions{}, first, second).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "1", w.Header().Get("X-First"))
	assert.Equal(t, "second", w.Body.String())
}

func TestPipeline_NotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NewPipeline(PipelineOptions{}, passStage("a"), passStage("b")).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "404 page not found\n", w.Body.String())
}

func TestPipeline_EndFinishesEarly(t *testing.T) {
	release := make(chan struct{})
	stageDone := make(chan error, 1)
	first := Stage{Name: "first", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		_, _ = io.WriteString(w, "done")
		middleware.End(w)
		<-release
		_, err := io.WriteString(w, "late")
		stageDone <- err
	})}

	w := httptest.NewRecorder()
	NewPipeline(PipelineOptions{}, first, passStage("second")).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "done", w.Body.String())

	close(release)
	assert.ErrorIs(t, <-stageDone, errStageDone)
	assert.Equal(t, "done", w.Body.String())
}

func TestPipeline_Streaming(t *testing.T) {
	release := make(chan struct{})
	first := Stage{Name: "stream", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, "data: two\n\n")
	})}

	srv := httptest.NewServer(NewPipeline(PipelineOptions{}, first))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: one\n", line, "flushed data arrives while the stage still runs")

	close(release)
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "\ndata: two\n\n", string(rest))
}

func TestPipeline_StagePanics(t *testing.T) {
	boom := Stage{Name: "boom", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		panic("broken stage")
	})}

	w := httptest.NewRecorder()
	NewPipeline(PipelineOptions{}, boom, passStage("second")).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPipeline_RequestCanceled(t *testing.T) {
	rec := &recorder{}
	blocked := Stage{Name: "blocked", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		rec.add("blocked")
		<-r.Context().Done()
	})}
	second := Stage{Name: "second", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		rec.add("second")
	})}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewPipeline(PipelineOptions{}, blocked, second).ServeHTTP(httptest.NewRecorder(), req)
	}()

	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not return after cancellation")
	}
	assert.Equal(t, []string{"blocked"}, rec.list())
}

func TestPipeline_Metrics(t *testing.T) {
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	serving := Stage{Name: "hot", Middleware: middleware.Func(func(w http.ResponseWriter, r *http.Request, next func()) {
		_, _ = io.WriteString(w, "ok")
	})}

	p := NewPipeline(PipelineOptions{Metrics: m}, passStage("assets"), serving)
	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `packscripts_requests_total{outcome="next",stage="assets"} 1`)
	assert.Contains(t, w.Body.String(), `packscripts_requests_total{outcome="served",stage="hot"} 1`)
}
