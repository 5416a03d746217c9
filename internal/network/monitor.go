// Package network provides connectivity tracking for FieldSync.
// The Monitor wraps a Prober, keeps the last observed state, fans change
// notifications out to listeners, and exposes a distinct restored event for
// the offline-to-online transition that triggers auto-sync.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/ecofield/fieldsync/internal/event"
	"github.com/ecofield/fieldsync/internal/logging"
)

// Status is the last observed connectivity state.
type Status struct {
	Online bool
}

// Change describes one observed connectivity transition.
type Change struct {
	Online bool
}

// Listener receives connectivity changes.
type Listener func(Change)

// RestoredFunc runs when connectivity transitions from offline to online.
type RestoredFunc func()

// DefaultPollInterval is how often the prober is consulted.
const DefaultPollInterval = 15 * time.Second

// Monitor tracks connectivity and notifies listeners of transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	bus      *event.Bus
	log      *logging.Logger

	mu        sync.Mutex
	online    bool
	listening bool
	listeners map[int]Listener
	restored  map[int]RestoredFunc
	nextID    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. The bus is optional; when present, every
// transition also publishes a ConnectivityChanged event.
func NewMonitor(prober Prober, interval time.Duration, bus *event.Bus, log *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = logging.Get()
	}
	return &Monitor{
		prober:    prober,
		interval:  interval,
		bus:       bus,
		log:       log.WithComponent("network"),
		online:    true,
		listeners: make(map[int]Listener),
		restored:  make(map[int]RestoredFunc),
	}
}

// Initialize reads the initial connectivity state and starts the poll loop.
// Idempotent: calling it while already listening is a no-op. A failing probe
// defaults to online (fail-open) rather than blocking the app.
func (m *Monitor) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.listening {
		m.mu.Unlock()
		return
	}
	m.listening = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	online, err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Warn("initial connectivity probe failed, assuming online", map[string]interface{}{"error": err.Error()})
		online = true
	}

	m.mu.Lock()
	m.online = online
	m.mu.Unlock()

	m.log.Info("connectivity monitoring started", map[string]interface{}{"online": online})

	m.wg.Add(1)
	go m.pollLoop()
}

// pollLoop consults the prober on a ticker until Stop is called.
func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			online, err := m.prober.Probe(ctx)
			cancel()
			if err != nil {
				// Probe failure is not evidence of being offline.
				continue
			}
			m.handleChange(online)
		}
	}
}

// handleChange records a newly observed state and notifies on transitions.
// Listener callbacks run synchronously; a panicking listener is recovered
// and logged, never propagated to the other listeners or the monitor.
func (m *Monitor) handleChange(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online

	if wasOnline == online {
		m.mu.Unlock()
		return
	}

	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	var restored []RestoredFunc
	if !wasOnline && online {
		restored = make([]RestoredFunc, 0, len(m.restored))
		for _, r := range m.restored {
			restored = append(restored, r)
		}
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", map[string]interface{}{"online": online})

	change := Change{Online: online}
	for _, l := range listeners {
		m.invoke(func() { l(change) })
	}

	if m.bus != nil {
		m.bus.Publish(event.ConnectivityChanged{Online: online})
	}

	for _, r := range restored {
		m.invoke(r)
	}
}

// invoke runs one callback with panic isolation.
func (m *Monitor) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connectivity listener panicked", nil, map[string]interface{}{"panic": r})
		}
	}()
	fn()
}

// GetStatus returns the last observed connectivity state. Cheap and
// synchronous; may be momentarily stale relative to the OS.
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Online: m.online}
}

// AddListener registers a change listener and returns an unsubscribe function.
func (m *Monitor) AddListener(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnConnectionRestored registers a callback fired only on the specific
// offline-to-online transition. Returns an unsubscribe function.
func (m *Monitor) OnConnectionRestored(fn RestoredFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.restored[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.restored, id)
	}
}

// Stop halts the poll loop. Safe to call when not listening.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return
	}
	m.listening = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("connectivity monitoring stopped")
}
