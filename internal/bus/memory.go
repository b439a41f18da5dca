package bus

import (
	"context"
	"sync"
)

// Memory is an in-process bus. Publish delivers synchronously to every
// subscriber in registration order; handler errors are logged, not returned.
type Memory struct {
	namespace string

	mu        sync.RWMutex
	handlers  map[int]Handler
	next      int
	published []Envelope
}

func NewMemory(namespace string) *Memory {
	return &Memory{namespace: namespace, handlers: make(map[int]Handler)}
}

func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	if env.Bus == "" {
		env.Bus = m.namespace
	}

	m.mu.Lock()
	m.published = append(m.published, env)
	handlers := make([]Handler, 0, len(m.handlers))
	for i := 0; i < m.next; i++ {
		if h, ok := m.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			log.WithError(err).WithField("detail_type", env.DetailType).Warn("memory bus handler failed")
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.handlers[id] = h
	return memorySub{m: m, id: id}, nil
}

// Published returns every envelope seen so far.
func (m *Memory) Published() []Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Envelope, len(m.published))
	copy(out, m.published)
	return out
}

type memorySub struct {
	m  *Memory
	id int
}

func (s memorySub) Unsubscribe() error {
	s.m.mu.Lock()
	delete(s.m.handlers, s.id)
	s.m.mu.Unlock()
	return nil
}
