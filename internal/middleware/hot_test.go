package middleware

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/packscripts/internal/bundler"
	"github.com/vango-dev/packscripts/internal/metrics"
)

type fakeEvents struct {
	mu           sync.Mutex
	hooks        []bundler.Hooks
	stats        *bundler.Stats
	unsubscribed bool
}

func (f *fakeEvents) Subscribe(h bundler.Hooks) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, h)
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}
}

func (f *fakeEvents) LastStats() *bundler.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeEvents) invalid() {
	f.mu.Lock()
	hooks := append([]bundler.Hooks(nil), f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h.OnInvalid()
	}
}

func (f *fakeEvents) done(s *bundler.Stats) {
	f.mu.Lock()
	f.stats = s
	hooks := append([]bundler.Hooks(nil), f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h.OnDone(s)
	}
}

func testStats(version string, errs ...bundler.Message) *bundler.Stats {
	return &bundler.Stats{
		Digest:   digest.FromString(version),
		Duration: 120 * time.Millisecond,
		Errors:   errs,
	}
}

// hotServer mounts hot the way the dev server does: the event stream in the
// pipeline, the socket on its own route.
func hotServer(t *testing.T, hot *Hot) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(hot.SocketPath(), hot.ServeWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hot.ServeHTTP(w, r, func() { http.NotFound(w, r) })
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hot.Close)
	return srv
}

// streamLines connects to the event stream and returns its lines.
func streamLines(t *testing.T, url string) <-chan string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// nextEvent returns the next JSON event on the stream, skipping
// heartbeats and blank lines.
func nextEvent(t *testing.T, lines <-chan string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			data, found := strings.CutPrefix(line, "data:")
			if !found {
				continue
			}
			var ev Event
			if json.Unmarshal([]byte(strings.TrimSpace(data)), &ev) != nil {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestHotScript(t *testing.T) {
	tag := HotScript(HotOptions{Path: "/__hmr", Overlay: true, Reload: false})
	assert.Equal(t, `<script src="/__hmr/client.js?overlay=true&amp;reload=false&amp;transport=sse"></script>`, tag)
}

func TestHot_TrailingSlashPath(t *testing.T) {
	opts := HotOptions{Path: "/__hmr/"}
	hot := NewHot(&fakeEvents{}, opts)
	defer hot.Close()

	assert.Equal(t, "/__hmr/ws", hot.SocketPath())
	assert.Contains(t, HotScript(opts), `src="/__hmr/client.js?`)

	rec, passed := serve(hot, httptest.NewRequest(http.MethodGet, "/__hmr/client.js", nil))
	assert.False(t, passed)
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestHot_PassesOtherPaths(t *testing.T) {
	hot := NewHot(&fakeEvents{}, HotOptions{})
	defer hot.Close()

	_, passed := serve(hot, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.True(t, passed)
}

func TestHot_ServesClient(t *testing.T) {
	hot := NewHot(&fakeEvents{}, HotOptions{Path: "/hot"})
	defer hot.Close()

	rec, passed := serve(hot, httptest.NewRequest(http.MethodGet, "/hot/client.js", nil))
	assert.False(t, passed)
	assert.Equal(t, "application/javascript; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestHot_EventStream(t *testing.T) {
	events := &fakeEvents{stats: testStats("v1")}
	hot := NewHot(events, HotOptions{Path: "/__hmr", Heartbeat: time.Minute})
	srv := hotServer(t, hot)

	lines := streamLines(t, srv.URL+"/__hmr")

	first := nextEvent(t, lines)
	assert.Equal(t, ActionSync, first.Action)
	assert.Equal(t, testStats("v1").Hash(), first.Hash)
	assert.Equal(t, int64(120), first.Time)
	assert.Equal(t, 1, hot.ClientCount())

	events.invalid()
	assert.Equal(t, ActionBuilding, nextEvent(t, lines).Action)

	events.done(testStats("v2", bundler.Message{Text: "boom", File: "src/a.ts", Line: 1, Column: 2}))
	built := nextEvent(t, lines)
	assert.Equal(t, ActionBuilt, built.Action)
	assert.Equal(t, testStats("v2").Hash(), built.Hash)
	assert.Equal(t, []string{"src/a.ts:1:2: boom"}, built.Errors)
	assert.Empty(t, built.Warnings)
}

func TestHot_EventStreamBeforeFirstBuild(t *testing.T) {
	events := &fakeEvents{}
	hot := NewHot(events, HotOptions{Heartbeat: time.Minute})
	srv := hotServer(t, hot)

	lines := streamLines(t, srv.URL+"/__hmr")
	events.done(testStats("v1"))

	ev := nextEvent(t, lines)
	assert.Equal(t, ActionBuilt, ev.Action, "no sync event without a build")
}

func TestHot_Heartbeat(t *testing.T) {
	hot := NewHot(&fakeEvents{}, HotOptions{Heartbeat: 10 * time.Millisecond})
	srv := hotServer(t, hot)

	lines := streamLines(t, srv.URL+"/__hmr")
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line := <-lines:
			if line == "data:"+heartbeat {
				return
			}
		case <-timeout:
			t.Fatal("no heartbeat")
		}
	}
}

func TestHot_CloseEndsStreams(t *testing.T) {
	events := &fakeEvents{}
	hot := NewHot(events, HotOptions{Heartbeat: time.Minute})
	srv := hotServer(t, hot)

	lines := streamLines(t, srv.URL+"/__hmr")
	require.Eventually(t, func() bool { return hot.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hot.Close()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				assert.Zero(t, hot.ClientCount())
				events.mu.Lock()
				assert.True(t, events.unsubscribed)
				events.mu.Unlock()
				return
			}
		case <-timeout:
			t.Fatal("stream still open after Close")
		}
	}
}

func TestHot_WebSocket(t *testing.T) {
	events := &fakeEvents{stats: testStats("v1")}
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	hot := NewHot(events, HotOptions{Heartbeat: time.Minute, Metrics: m})
	srv := hotServer(t, hot)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + hot.SocketPath()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	assert.Equal(t, ActionSync, read().Action)
	assert.Equal(t, 1, hot.ClientCount())

	events.invalid()
	assert.Equal(t, ActionBuilding, read().Action)
	events.done(testStats("v2"))
	built := read()
	assert.Equal(t, ActionBuilt, built.Action)
	assert.Equal(t, testStats("v2").Hash(), built.Hash)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `packscripts_hot_clients{transport="ws"} 1`)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := newHub(nil)
	c := h.add(TransportSSE)

	for i := 0; i < clientBuffer; i++ {
		h.broadcast([]byte("x"))
	}
	assert.Equal(t, 1, h.count())

	h.broadcast([]byte("overflow"))
	assert.Zero(t, h.count())
	select {
	case <-c.done:
	default:
		t.Fatal("dropped client not told to finish")
	}

	h.remove(c)
	assert.Zero(t, h.count())
}

func TestHub_AddAfterClose(t *testing.T) {
	h := newHub(nil)
	h.close()
	h.close()

	c := h.add(TransportWebSocket)
	assert.Zero(t, h.count())
	select {
	case <-c.done:
	default:
		t.Fatal("client added after close should be done")
	}
}
