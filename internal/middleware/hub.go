package middleware

import (
	"sync"

	"github.com/vango-dev/packscripts/internal/metrics"
)

// Transport names reported in metrics.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// clientBuffer is how many undelivered events a client may fall behind
// before it is dropped.
const clientBuffer = 16

type client struct {
	transport string
	send      chan []byte
	done      chan struct{}
}

// hub fans events out to connected hot clients.
type hub struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func newHub(m *metrics.Metrics) *hub {
	return &hub{metrics: m, clients: make(map[*client]struct{})}
}

// add registers a client. After close the returned client is already done.
func (h *hub) add(transport string) *client {
	c := &client{
		transport: transport,
		send:      make(chan []byte, clientBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.done)
		return c
	}
	h.clients[c] = struct{}{}
	h.metrics.HotClientConnected(transport)
	return c
}

// remove unregisters a client that went away on its own.
func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.HotClientDisconnected(c.transport)
	}
}

// drop unregisters c and tells its connection to finish. Callers hold mu.
func (h *hub) drop(c *client) {
	delete(h.clients, c)
	close(c.done)
	h.metrics.HotClientDisconnected(c.transport)
}

// broadcast queues data for every client. Clients whose queue is full are
// dropped.
func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.drop(c)
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// close disconnects every client and rejects new ones.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}
