package signaling

import (
	"context"
	"sort"
	"sync"
)

// MemoryHub is an in-process relay. Every participant of a scope gets its own
// ordered delivery goroutine, so a slow handler only delays its own traffic.
type MemoryHub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	held   bool
	scopes map[string]map[string]*memoryMember

	published map[MessageType]int
}

type memoryMember struct {
	id      string
	scope   string
	handler Handler
	queue   []func()
	closed  bool
}

func NewMemoryHub() *MemoryHub {
	h := &MemoryHub{
		scopes:    make(map[string]map[string]*memoryMember),
		published: make(map[MessageType]int),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Channel returns an unsubscribed client of the hub.
func (h *MemoryHub) Channel() *MemoryChannel {
	return &MemoryChannel{hub: h}
}

// Hold pauses delivery to every subscriber. Published messages and presence
// events queue up until Release.
func (h *MemoryHub) Hold() {
	h.mu.Lock()
	h.held = true
	h.mu.Unlock()
}

func (h *MemoryHub) Release() {
	h.mu.Lock()
	h.held = false
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Published counts accepted publishes of type t across all scopes.
func (h *MemoryHub) Published(t MessageType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published[t]
}

// PublishedTotal counts every accepted publish.
func (h *MemoryHub) PublishedTotal() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.published {
		n += c
	}
	return n
}

// Members lists the participants currently subscribed to scope.
func (h *MemoryHub) Members(scope string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.scopes[scope]))
	for id := range h.scopes[scope] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect drops self from scope as if its transport died. The remaining
// members see a leave event; self gets Lost and nothing further.
func (h *MemoryHub) Disconnect(scope, self string) {
	h.mu.Lock()
	m := h.scopes[scope][self]
	if m != nil {
		h.removeLocked(m)
	}
	h.mu.Unlock()
	h.cond.Broadcast()
	if m != nil {
		m.handler.lost(ErrConnectionLost)
	}
}

func (h *MemoryHub) join(scope, self string, handler Handler) (*memoryMember, []string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.scopes[scope]
	if members == nil {
		members = make(map[string]*memoryMember)
		h.scopes[scope] = members
	}
	if _, ok := members[self]; ok {
		return nil, nil, ErrDuplicateParticipant
	}

	present := make([]string, 0, len(members))
	for id, other := range members {
		present = append(present, id)
		other.enqueue(func() { other.handler.join(self) })
	}
	sort.Strings(present)

	m := &memoryMember{id: self, scope: scope, handler: handler}
	members[self] = m
	go h.run(m)
	h.cond.Broadcast()
	return m, present, nil
}

func (h *MemoryHub) removeLocked(m *memoryMember) {
	members := h.scopes[m.scope]
	if members[m.id] != m {
		return
	}
	delete(members, m.id)
	if len(members) == 0 {
		delete(h.scopes, m.scope)
	}
	m.closed = true
	m.queue = nil
	for _, other := range members {
		other.enqueue(func() { other.handler.leave(m.id) })
	}
}

func (h *MemoryHub) publish(from *memoryMember, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from.closed {
		return
	}
	msg.From = from.id
	h.published[msg.Type]++
	for id, other := range h.scopes[from.scope] {
		if id == from.id || (msg.To != "" && msg.To != id) {
			continue
		}
		other.enqueue(func() { other.handler.message(msg) })
	}
	h.cond.Broadcast()
}

func (m *memoryMember) enqueue(fn func()) {
	m.queue = append(m.queue, fn)
}

func (h *MemoryHub) run(m *memoryMember) {
	for {
		h.mu.Lock()
		for !m.closed && (h.held || len(m.queue) == 0) {
			h.cond.Wait()
		}
		if m.closed {
			h.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		h.mu.Unlock()

		fn()
	}
}

// MemoryChannel is one participant's view of a MemoryHub.
type MemoryChannel struct {
	hub *MemoryHub

	mu     sync.Mutex
	member *memoryMember
	done   bool
}

func (c *MemoryChannel) Subscribe(ctx context.Context, scope, self string, h Handler) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.member != nil || c.done {
		return nil, ErrAlreadySubscribed
	}
	m, present, err := c.hub.join(scope, self, h)
	if err != nil {
		return nil, err
	}
	c.member = m
	return present, nil
}

func (c *MemoryChannel) Publish(_ context.Context, msg Message) error {
	c.mu.Lock()
	m := c.member
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	c.hub.publish(m, msg)
	return nil
}

func (c *MemoryChannel) Unsubscribe() error {
	c.mu.Lock()
	m := c.member
	c.member = nil
	c.done = true
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	c.hub.mu.Lock()
	c.hub.removeLocked(m)
	c.hub.mu.Unlock()
	c.hub.cond.Broadcast()
	return nil
}
