package dev

import (
	"bytes"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/packscripts/internal/metrics"
	"github.com/vango-dev/packscripts/internal/middleware"
)

const tracerName = "github.com/vango-dev/packscripts/internal/dev"

// errStageDone is returned by writes from a stage that no longer owns the
// response.
var errStageDone = stderrors.New("dev: response no longer owned by this stage")

// outcome is how a stage finished with a request.
type outcome int

const (
	outcomeServed outcome = iota
	outcomeNext
	outcomeCanceled
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeNext:
		return "next"
	case outcomeCanceled:
		return "canceled"
	case outcomeFailed:
		return "error"
	default:
		return "served"
	}
}

// signal resolves once with the first outcome reported.
type signal struct {
	once   sync.Once
	done   chan struct{}
	result outcome
}

func newSignal() *signal {
	return &signal{done: make(chan struct{})}
}

func (s *signal) resolve(o outcome) {
	s.once.Do(func() {
		s.result = o
		close(s.done)
	})
}

// resolved reports whether the signal fired with o.
func (s *signal) resolved(o outcome) bool {
	select {
	case <-s.done:
		return s.result == o
	default:
		return false
	}
}

// Response is one request's response as it moves through the pipeline.
// Stages write into its buffer; it reaches the client when the pipeline
// finishes, or earlier once a stage flushes.
type Response struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	status    int
	body      bytes.Buffer
	streaming bool
	finished  bool
}

func newResponse(w http.ResponseWriter) *Response {
	return &Response{w: w}
}

// Header is shared by every stage.
func (r *Response) Header() http.Header {
	return r.w.Header()
}

// Status returns the status code set so far, or 0.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Written reports whether any stage produced a response.
func (r *Response) Written() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != 0 || r.body.Len() > 0 || r.streaming
}

func (r *Response) writeHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.streaming || r.status != 0 {
		return
	}
	r.status = code
}

func (r *Response) write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return 0, errStageDone
	}
	if r.streaming {
		return r.w.Write(p)
	}
	return r.body.Write(p)
}

// flush sends what is buffered and switches to streaming.
func (r *Response) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if !r.streaming {
		r.streaming = true
		r.sendLocked()
	}
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Response) sendLocked() {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.w.WriteHeader(r.status)
	if r.body.Len() > 0 {
		_, _ = r.w.Write(r.body.Bytes())
		r.body.Reset()
	}
}

// finish hands the response to the client. Later writes fail.
func (r *Response) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	if !r.streaming {
		r.sendLocked()
	}
}

// stageWriter is the writer one stage sees. It stops accepting writes once
// the stage has passed the request on.
type stageWriter struct {
	resp *Response
	sig  *signal
}

var (
	_ http.ResponseWriter = (*stageWriter)(nil)
	_ http.Flusher        = (*stageWriter)(nil)
	_ middleware.Ender    = (*stageWriter)(nil)
)

func (w *stageWriter) Header() http.Header {
	return w.resp.Header()
}

func (w *stageWriter) WriteHeader(code int) {
	if w.sig.resolved(outcomeNext) {
		return
	}
	w.resp.writeHeader(code)
}

func (w *stageWriter) Write(p []byte) (int, error) {
	if w.sig.resolved(outcomeNext) {
		return 0, errStageDone
	}
	return w.resp.write(p)
}

func (w *stageWriter) Flush() {
	if w.sig.resolved(outcomeNext) {
		return
	}
	w.resp.flush()
}

// End marks the response complete.
func (w *stageWriter) End() {
	w.sig.resolve(outcomeServed)
}

// Stage is a named pipeline step.
type Stage struct {
	Name       string
	Middleware middleware.Middleware
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline runs stages in order. Each stage either serves the request or
// passes it on; when every stage passes, the response is a 404.
type Pipeline struct {
	stages  []Stage
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewPipeline creates a pipeline running stages in order.
func NewPipeline(opts PipelineOptions, stages ...Stage) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		stages:  stages,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := newResponse(w)
	defer resp.finish()

	for _, stage := range p.stages {
		if p.run(stage, resp, r) != outcomeNext {
			return
		}
	}

	if !resp.Written() {
		resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
		resp.Header().Set("X-Content-Type-Options", "nosniff")
		resp.writeHeader(http.StatusNotFound)
		_, _ = resp.write([]byte("404 page not found\n"))
	}
}

// run hands the request to one stage and waits until the stage ends the
// response, passes it on, or returns.
func (p *Pipeline) run(stage Stage, resp *Response, r *http.Request) outcome {
	ctx, span := p.tracer.Start(r.Context(), "pipeline."+stage.Name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
	defer span.End()

	sig := newSignal()
	sw := &stageWriter{resp: resp, sig: sig}
	req := r.WithContext(ctx)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					sig.resolve(outcomeCanceled)
					return
				}
				p.logger.Error("stage panicked", "stage", stage.Name, "path", r.URL.Path, "panic", v)
				if !sig.resolved(outcomeNext) && !resp.Written() {
					resp.writeHeader(http.StatusInternalServerError)
					_, _ = resp.write([]byte(http.StatusText(http.StatusInternalServerError) + "\n"))
				}
				sig.resolve(outcomeFailed)
				return
			}
			sig.resolve(outcomeServed)
		}()
		stage.Middleware.ServeHTTP(sw, req, func() { sig.resolve(outcomeNext) })
	}()

	var o outcome
	select {
	case <-sig.done:
		o = sig.result
	case <-r.Context().Done():
		o = outcomeCanceled
	}

	span.SetAttributes(attribute.String("pipeline.outcome", o.String()))
	if o == outcomeFailed {
		span.SetStatus(codes.Error, "stage panicked")
	}
	p.metrics.ObserveRequest(stage.Name, o.String())
	return o
}
