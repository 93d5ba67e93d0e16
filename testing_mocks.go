package walletsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Hand-written test doubles for the engine's collaborators. They live in
// the main package so downstream applications can reuse them in their own
// tests.

// MockClient is a scripted ResourceClient. Without a Handler every call
// succeeds and echoes the payload's target as the canonical entity.
type MockClient struct {
	Kind ResourceKind

	// Handler, when set, scripts the outcome per call.
	Handler func(p Payload) (*Entity, error)

	mu    sync.Mutex
	calls []Payload
}

var _ ResourceClient = (*MockClient)(nil)

func (m *MockClient) Resource() ResourceKind { return m.Kind }

func (m *MockClient) Execute(_ context.Context, p Payload) (*Entity, error) {
	m.mu.Lock()
	m.calls = append(m.calls, p)
	m.mu.Unlock()

	if m.Handler != nil {
		return m.Handler(p)
	}
	data, _ := json.Marshal(map[string]interface{}{"id": p.TargetID(), "version": 1})
	return &Entity{ID: p.TargetID(), Version: 1, Data: data}, nil
}

// Calls returns the payloads executed so far, in order.
func (m *MockClient) Calls() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payload, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockNotifier records every notification.
type MockNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

var _ NotificationSink = (*MockNotifier)(nil)

func (m *MockNotifier) Notify(_ context.Context, n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
}

// Notifications returns the recorded notifications, in order.
func (m *MockNotifier) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// MockConn is an in-memory RealtimeConn. Tests push inbound frames with
// Push and inspect outbound frames with Written.
type MockConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

var _ RealtimeConn = (*MockConn)(nil)

func NewMockConn() *MockConn {
	return &MockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

// Push delivers an inbound frame to the next Read.
func (m *MockConn) Push(data []byte) { m.inbound <- data }

func (m *MockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.inbound:
		return data, nil
	case <-m.closed:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockConn) Write(_ context.Context, data []byte) error {
	select {
	case <-m.closed:
		return fmt.Errorf("connection closed")
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

// Written returns the outbound frames recorded so far.
func (m *MockConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *MockConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// MockDialer hands out scripted connections. Without a DialFunc each Dial
// returns a fresh MockConn, retrievable via LastConn.
type MockDialer struct {
	DialFunc func(ctx context.Context, url string) (RealtimeConn, error)

	mu    sync.Mutex
	conns []*MockConn
	dials int
}

var _ RealtimeDialer = (*MockDialer)(nil)

func (m *MockDialer) Dial(ctx context.Context, url string) (RealtimeConn, error) {
	m.mu.Lock()
	m.dials++
	m.mu.Unlock()

	if m.DialFunc != nil {
		return m.DialFunc(ctx, url)
	}
	conn := NewMockConn()
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()
	return conn, nil
}

// Dials returns how many times Dial was called.
func (m *MockDialer) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// LastConn returns the most recently handed out MockConn, or nil.
func (m *MockDialer) LastConn() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}
