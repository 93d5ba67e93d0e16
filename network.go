package walletsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/wallet-sync-kit/logging"
)

// DefaultDebounce is the window used to suppress online/offline flicker.
const DefaultDebounce = 100 * time.Millisecond

// Monitor tracks network connectivity. Platform glue feeds raw transitions
// into SetOnline; subscribers receive debounced change notifications so a
// flapping link does not trigger reconnect storms.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	notified bool
	debounce time.Duration
	timer    *time.Timer
	subs     map[int]func(online bool)
	next     int
	logger   *logging.Logger
}

// NewMonitor creates a monitor with the given initial state. A
// non-positive debounce falls back to DefaultDebounce.
func NewMonitor(initialOnline bool, debounce time.Duration) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		online:   initialOnline,
		notified: initialOnline,
		debounce: debounce,
		subs:     make(map[int]func(bool)),
		logger:   logging.WithComponent(logging.Component("network-monitor")),
	}
}

// Online returns the current raw connectivity signal.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition. Subscribers are notified
// only once the signal has been stable for the debounce window.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.settle)
	m.mu.Unlock()
}

func (m *Monitor) settle() {
	m.mu.Lock()
	if m.online == m.notified {
		m.mu.Unlock()
		return
	}
	m.notified = m.online
	state := m.online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", slog.Bool("online", state))
	for _, fn := range subs {
		fn(state)
	}
}

// Subscribe registers a callback for debounced connectivity changes. The
// returned function cancels the registration and is safe to call more
// than once.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
