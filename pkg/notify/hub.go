package notify

import "sync"

const portBuffer = 16

// Hub is an in-process broadcast primitive. Ports opened on the same
// channel name receive each other's messages, never their own.
type Hub struct {
	mu    sync.Mutex
	ports map[string]map[*Port]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{ports: make(map[string]map[*Port]struct{})}
}

// Open joins channel and returns the new port
func (h *Hub) Open(channel string) *Port {
	p := &Port{hub: h, channel: channel, messages: make(chan Event, portBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ports[channel] == nil {
		h.ports[channel] = make(map[*Port]struct{})
	}
	h.ports[channel][p] = struct{}{}
	return p
}

// Port is one member of a hub channel
type Port struct {
	hub      *Hub
	channel  string
	messages chan Event
	closed   bool
}

// Post delivers e to every other open port on the channel. A port whose
// buffer is full misses the message.
func (p *Port) Post(e Event) {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	if p.closed {
		return
	}
	for other := range p.hub.ports[p.channel] {
		if other == p {
			continue
		}
		select {
		case other.messages <- e:
		default:
		}
	}
}

// Messages returns the receive side of the port
func (p *Port) Messages() <-chan Event {
	return p.messages
}

// Close leaves the channel. It is safe to call more than once.
func (p *Port) Close() {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	delete(p.hub.ports[p.channel], p)
	if len(p.hub.ports[p.channel]) == 0 {
		delete(p.hub.ports, p.channel)
	}
	close(p.messages)
}
