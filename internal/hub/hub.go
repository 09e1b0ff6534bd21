package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q", s)
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is one receiver of bus traffic. Out is drained by the client's
// writer; Closed is closed when the client must go away.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an Out queue of buf frames.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub fans frames received from the bus out to every connected client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(n)
	if existed && n == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// CloseAll closes every registered client. The server removes them as their
// connections wind down.
func (h *Hub) CloseAll() {
	for _, c := range h.Snapshot() {
		c.Close()
	}
}

// Broadcast queues fr for every client honoring the backpressure policy and
// returns how many clients got it.
func (h *Hub) Broadcast(fr can.Frame) int {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return 0
	}

	max, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		if l > max {
			max = l
		}
		sum += l
	}
	metrics.SetQueueDepth(max, sum/len(clients))

	delivered := 0
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- fr:
			delivered++
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close()
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return delivered
}

// Snapshot returns a copy of the current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
