package broker

import (
	"context"
	"sync"
)

var (
	sharedMu   sync.Mutex
	sharedHubs = map[string]*MemoryHub{}
)

// SharedHub returns the process-wide hub registered under name, creating it
// on first use. memory://<name> urls resolve through it.
func SharedHub(name string) *MemoryHub {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	hub, ok := sharedHubs[name]
	if !ok {
		hub = NewMemoryHub()
		sharedHubs[name] = hub
	}
	return hub
}

// MemoryHub is an in-process broker with retained message semantics.
// Deliveries are synchronous on the publishing goroutine.
type MemoryHub struct {
	mu       sync.Mutex
	retained map[string][]byte
	clients  map[*Memory]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		retained: make(map[string][]byte),
		clients:  make(map[*Memory]struct{}),
	}
}

// Retained returns the retained payload for topic.
func (h *MemoryHub) Retained(topic string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload, ok := h.retained[topic]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}

// Seed stores a retained payload without delivering it to anyone.
func (h *MemoryHub) Seed(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retained[topic] = append([]byte(nil), payload...)
}

// Connect attaches a new client session and brings it online.
func (h *MemoryHub) Connect(clientID string, onChange func(from, to State)) *Memory {
	client := &Memory{hub: h, clientID: clientID}
	client.machine = newStateMachine(onChange)
	client.machine.transition(StateConnecting)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	client.machine.transition(StateConnected)
	return client
}

func (h *MemoryHub) publish(topic string, payload []byte, retained bool) {
	payload = append([]byte(nil), payload...)
	h.mu.Lock()
	if retained {
		h.retained[topic] = payload
	}
	clients := make([]*Memory, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.deliver(topic, payload)
	}
}

func (h *MemoryHub) detach(client *Memory) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// Memory is one client session on a MemoryHub.
type Memory struct {
	hub      *MemoryHub
	clientID string
	machine  *stateMachine

	mu   sync.Mutex
	subs []*subscription
}

func (m *Memory) State() State {
	return m.machine.current()
}

func (m *Memory) Publish(topic string, payload []byte, retained bool) error {
	switch m.machine.current() {
	case StateConnected:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
	m.hub.publish(topic, payload, retained)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	if handler == nil || len(topics) == 0 {
		return nil
	}
	sub := newSubscription(topics, handler)
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	if err := m.machine.waitFor(ctx, StateConnected); err != nil {
		return err
	}
	m.replayRetained(sub)
	return nil
}

// SetOnline simulates losing and regaining the broker connection. Coming
// back online replays retained values to every subscription.
func (m *Memory) SetOnline(online bool) {
	if !online {
		m.machine.transition(StateOffline)
		return
	}
	if m.machine.current() != StateOffline {
		return
	}
	m.machine.transition(StateReconnecting)
	if !m.machine.transition(StateConnected) {
		return
	}
	m.mu.Lock()
	subs := append([]*subscription(nil), m.subs...)
	m.mu.Unlock()
	for _, sub := range subs {
		m.replayRetained(sub)
	}
}

func (m *Memory) Close(ctx context.Context) error {
	m.machine.transition(StateClosed)
	m.hub.detach(m)
	return nil
}

func (m *Memory) replayRetained(sub *subscription) {
	for _, topic := range sub.list {
		if payload, ok := m.hub.Retained(topic); ok {
			sub.handler(topic, payload)
		}
	}
}

func (m *Memory) deliver(topic string, payload []byte) {
	if m.machine.current() != StateConnected {
		return
	}
	m.mu.Lock()
	subs := append([]*subscription(nil), m.subs...)
	m.mu.Unlock()
	for _, sub := range subs {
		if sub.matches(topic) {
			sub.handler(topic, payload)
		}
	}
}
