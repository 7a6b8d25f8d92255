package designsync

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is how long a raw connectivity signal must hold
// before the monitor settles on it. Flaps inside the window collapse into
// one settled transition.
const DefaultDebounceWindow = time.Second

// Monitor is the connectivity state machine: two states, Online and
// Offline, driven by authoritative network-status signals fed through Set.
// It is never polled.
//
// One reconnect notification is emitted per settled Offline→Online
// transition. The channel is buffered with capacity one, so notifications
// arriving while a consumer is busy coalesce instead of stacking.
type Monitor struct {
	mu      sync.Mutex
	online  bool // settled state
	pending bool // most recent raw signal
	window  time.Duration
	timer   *time.Timer
	closed  bool

	reconnect chan struct{}
	onChange  func(online bool)
}

// NewMonitor creates a monitor. initialOnline is the network status probed
// at startup; window is the flap-debounce interval (<= 0 settles
// immediately, useful in tests).
func NewMonitor(initialOnline bool, window time.Duration) *Monitor {
	return &Monitor{
		online:    initialOnline,
		pending:   initialOnline,
		window:    window,
		reconnect: make(chan struct{}, 1),
	}
}

// Online returns the current settled state. Safe to call synchronously
// before each gateway operation.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Reconnect returns the channel that receives one notification per settled
// Offline→Online transition.
func (m *Monitor) Reconnect() <-chan struct{} {
	return m.reconnect
}

// OnChange registers a callback invoked with the new settled state after
// each transition. Must be set before signals are fed in.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Set feeds a raw network-status signal. Every call restarts the debounce
// window; the state settles only when the signal holds for the full window.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = online
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if online == m.online {
		// Flap returned to the settled state before the window elapsed.
		m.mu.Unlock()
		return
	}
	if m.window <= 0 {
		m.mu.Unlock()
		m.settle()
		return
	}
	m.timer = time.AfterFunc(m.window, m.settle)
	m.mu.Unlock()
}

func (m *Monitor) settle() {
	m.mu.Lock()
	if m.closed || m.pending == m.online {
		m.mu.Unlock()
		return
	}
	wasOffline := !m.online
	m.online = m.pending
	nowOnline := m.online
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(nowOnline)
	}
	if wasOffline && nowOnline {
		select {
		case m.reconnect <- struct{}{}:
		default: // a pending notification already covers this transition
		}
	}
}

// Close stops the debounce timer. No transitions are emitted afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
