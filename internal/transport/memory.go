package transport

import (
	"context"
	"fmt"
	"sync"

	"meshstat/internal/mesh"
)

// inboxSize bounds each member's receive queue. Frames beyond it are dropped,
// the same as a saturated radio link.
const inboxSize = 1024

// MemoryHub is an in-process mesh. Every joined transport can reach every
// other one unless the link between them has been cut.
type MemoryHub struct {
	mu      sync.RWMutex
	members map[string]*MemoryTransport
	cut     map[[2]string]bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		members: make(map[string]*MemoryTransport),
		cut:     make(map[[2]string]bool),
	}
}

// Join attaches a new transport reachable at addr.
func (h *MemoryHub) Join(addr string) *MemoryTransport {
	t := &MemoryTransport{
		hub:   h,
		addr:  addr,
		inbox: make(chan mesh.Packet, inboxSize),
	}
	h.mu.Lock()
	h.members[addr] = t
	h.mu.Unlock()
	return t
}

// Disconnect cuts the link between a and b in both directions.
func (h *MemoryHub) Disconnect(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cut[linkKey(a, b)] = true
}

// Reconnect restores a link cut by Disconnect.
func (h *MemoryHub) Reconnect(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cut, linkKey(a, b))
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (h *MemoryHub) deliver(from, to string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cut[linkKey(from, to)] {
		return false
	}
	t, ok := h.members[to]
	if !ok {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.inbox <- mesh.Packet{From: from, Data: buf}:
		return true
	default:
		return false
	}
}

func (h *MemoryHub) peers(self string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for addr := range h.members {
		if addr != self && !h.cut[linkKey(self, addr)] {
			out = append(out, addr)
		}
	}
	return out
}

func (h *MemoryHub) leave(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.members[addr]; ok {
		delete(h.members, addr)
		close(t.inbox)
	}
}

// MemoryTransport is one member of a MemoryHub.
type MemoryTransport struct {
	hub   *MemoryHub
	addr  string
	inbox chan mesh.Packet
	once  sync.Once
}

func (t *MemoryTransport) LocalAddr() string { return t.addr }

func (t *MemoryTransport) Broadcast(ctx context.Context, data []byte) error {
	for _, p := range t.hub.peers(t.addr) {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.hub.deliver(t.addr, p, data)
	}
	return nil
}

func (t *MemoryTransport) SendTo(ctx context.Context, peer string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.hub.deliver(t.addr, peer, data) {
		return fmt.Errorf("peer %s unreachable", peer)
	}
	return nil
}

func (t *MemoryTransport) Receive() <-chan mesh.Packet { return t.inbox }

func (t *MemoryTransport) Close() error {
	t.once.Do(func() { t.hub.leave(t.addr) })
	return nil
}

var _ mesh.Transport = (*MemoryTransport)(nil)
