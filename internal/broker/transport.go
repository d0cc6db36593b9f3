package broker

import (
	"context"
	"errors"
	"sync"
)

// Route names one of the two directions of the boundary
type Route string

// Routes
const (
	RouteTasks       Route = "tasks"
	RouteCompletions Route = "completions"
)

// ErrTransportClosed is returned by a closed MemoryTransport
var ErrTransportClosed = errors.New("transport closed")

// Delivery is one message received from a route. Exactly one of Ack or
// Nack should be called.
type Delivery struct {
	Body          []byte
	CorrelationID string

	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms the message was handled
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message, putting it back on the route when requeue is set
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Transport moves opaque message bodies between the api and worker services
// with at-least-once delivery.
type Transport interface {
	Publish(ctx context.Context, route Route, correlationID string, body []byte) error
	Consume(ctx context.Context, route Route) (<-chan Delivery, error)
}

// MemoryTransport is an in-process Transport backed by buffered channels
type MemoryTransport struct {
	buffer int

	mu     sync.Mutex
	queues map[Route]chan Delivery
	dead   []Delivery
	done   chan struct{}
	closed bool
}

// NewMemoryTransport creates a MemoryTransport whose routes hold up to buffer messages
func NewMemoryTransport(buffer int) *MemoryTransport {
	return &MemoryTransport{
		buffer: buffer,
		queues: make(map[Route]chan Delivery),
		done:   make(chan struct{}),
	}
}

func (m *MemoryTransport) queue(route Route) (chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrTransportClosed
	}
	q, ok := m.queues[route]
	if !ok {
		q = make(chan Delivery, m.buffer)
		m.queues[route] = q
	}
	return q, nil
}

// Publish enqueues body on route, blocking while the route is full
func (m *MemoryTransport) Publish(ctx context.Context, route Route, correlationID string, body []byte) error {
	q, err := m.queue(route)
	if err != nil {
		return err
	}

	d := Delivery{Body: body, CorrelationID: correlationID}
	d.nack = func(requeue bool) error {
		if requeue {
			go func() { _ = m.Publish(context.Background(), route, correlationID, body) }()
			return nil
		}
		m.mu.Lock()
		m.dead = append(m.dead, d)
		m.mu.Unlock()
		return nil
	}

	select {
	case q <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrTransportClosed
	}
}

// Consume returns the route's channel. Concurrent consumers share messages.
func (m *MemoryTransport) Consume(_ context.Context, route Route) (<-chan Delivery, error) {
	return m.queue(route)
}

// DeadLetters returns the messages rejected without requeue
func (m *MemoryTransport) DeadLetters() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.dead...)
}

// Close rejects further publishes. Consumers stop through their context.
func (m *MemoryTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
