package middleware

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/packscripts/internal/bundler"
	"github.com/vango-dev/packscripts/internal/metrics"
)

//go:embed client.js
var clientScript []byte

// heartbeat is the SSE keep-alive payload browsers ignore.
const heartbeat = "\U0001F493"

// Event actions.
const (
	ActionBuilding = "building"
	ActionBuilt    = "built"
	ActionSync     = "sync"
)

// Event is the message pushed to hot clients over either transport.
type Event struct {
	Action   string   `json:"action"`
	Hash     string   `json:"hash,omitempty"`
	Time     int64    `json:"time,omitempty"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func newEvent(action string, s *bundler.Stats) Event {
	ev := Event{Action: action, Errors: []string{}, Warnings: []string{}}
	if s == nil {
		return ev
	}
	ev.Hash = s.Hash()
	ev.Time = s.Duration.Milliseconds()
	for _, m := range s.Errors {
		ev.Errors = append(ev.Errors, m.String())
	}
	for _, m := range s.Warnings {
		ev.Warnings = append(ev.Warnings, m.String())
	}
	return ev
}

// Events is the part of the compiler the hot stage listens to.
type Events interface {
	Subscribe(h bundler.Hooks) (unsubscribe func())
	LastStats() *bundler.Stats
}

// HotOptions configures Hot.
type HotOptions struct {
	// Path is the event stream endpoint. The client script is served at
	// Path/client.js and the websocket transport lives at Path/ws.
	Path string

	// Heartbeat is the keep-alive interval for both transports.
	Heartbeat time.Duration

	// Transport is the client's preferred transport, "sse" or "ws".
	Transport string

	Overlay bool
	Reload  bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *HotOptions) defaults() {
	o.Path = strings.TrimSuffix(o.Path, "/")
	if o.Path == "" {
		o.Path = "/__hmr"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 2 * time.Second
	}
	if o.Transport == "" {
		o.Transport = TransportSSE
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// HotScript returns the tag that loads the hot client into a page.
func HotScript(opts HotOptions) string {
	opts.defaults()
	q := url.Values{}
	q.Set("overlay", fmt.Sprint(opts.Overlay))
	q.Set("reload", fmt.Sprint(opts.Reload))
	q.Set("transport", opts.Transport)
	src := opts.Path + "/client.js?" + q.Encode()
	return fmt.Sprintf(`<script src="%s"></script>`, html.EscapeString(src))
}

// Hot streams build events to browsers.
type Hot struct {
	opts     HotOptions
	events   Events
	hub      *hub
	upgrader websocket.Upgrader

	unsubscribe func()
	closeOnce   sync.Once
}

// NewHot creates the hot stage and subscribes it to events.
func NewHot(events Events, opts HotOptions) *Hot {
	opts.defaults()
	h := &Hot{
		opts:   opts,
		events: events,
		hub:    newHub(opts.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // dev server, any origin
			},
		},
	}
	h.unsubscribe = events.Subscribe(bundler.Hooks{
		OnInvalid: func() { h.publish(newEvent(ActionBuilding, nil)) },
		OnDone:    func(s *bundler.Stats) { h.publish(newEvent(ActionBuilt, s)) },
	})
	return h
}

// SocketPath is where ServeWebSocket should be mounted.
func (h *Hot) SocketPath() string {
	return h.opts.Path + "/ws"
}

// ClientCount returns the number of connected clients on both transports.
func (h *Hot) ClientCount() int {
	return h.hub.count()
}

// Close disconnects every client and stops listening for builds.
func (h *Hot) Close() {
	h.closeOnce.Do(func() {
		h.unsubscribe()
		h.hub.close()
	})
}

func (h *Hot) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.opts.Logger.Error("encoding hot event", "error", err)
		return
	}
	h.hub.broadcast(data)
}

// syncEvent is the first message a client receives, when a build exists.
func (h *Hot) syncEvent() []byte {
	s := h.events.LastStats()
	if s == nil {
		return nil
	}
	data, _ := json.Marshal(newEvent(ActionSync, s))
	return data
}

// ServeHTTP holds requests to the event path open as an event stream,
// serves the client script and passes everything else on.
func (h *Hot) ServeHTTP(w http.ResponseWriter, r *http.Request, next func()) {
	switch r.URL.Path {
	case h.opts.Path:
		h.serveEvents(w, r)
	case h.opts.Path + "/client.js":
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(clientScript)
		End(w)
	default:
		next()
	}
}

func (h *Hot) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := h.hub.add(TransportSSE)
	defer h.hub.remove(c)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "\n")
	if data := h.syncEvent(); data != nil {
		_ = writeEvent(w, string(data))
	}
	flusher.Flush()

	h.opts.Logger.Debug("hot client connected", "transport", TransportSSE, "remote", r.RemoteAddr)

	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := writeEvent(w, string(data)); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := writeEvent(w, heartbeat); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one unnamed event with a single data line.
func writeEvent(w http.ResponseWriter, data string) error {
	return sse.Encode(w, sse.Event{Data: data})
}

// ServeWebSocket serves the websocket transport. It carries the same
// events as the stream; heartbeats are websocket pings.
func (h *Hot) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := h.hub.add(TransportWebSocket)
	defer h.hub.remove(c)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if data := h.syncEvent(); data != nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case data := <-c.send:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.Heartbeat)); err != nil {
				return
			}
		}
	}
}
