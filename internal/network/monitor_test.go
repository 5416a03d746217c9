// Package network tests for the connectivity monitor.
package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecofield/fieldsync/internal/event"
)

// fakeProber returns a scripted connectivity state.
type fakeProber struct {
	online bool
	err    error
}

func (p *fakeProber) Probe(ctx context.Context) (bool, error) {
	return p.online, p.err
}

func newTestMonitor(p Prober) *Monitor {
	// Long interval: tests drive transitions through handleChange directly.
	return NewMonitor(p, time.Hour, nil, nil)
}

func TestInitializeReadsInitialState(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: false})
	m.Initialize(context.Background())
	defer m.Stop()

	if m.GetStatus().Online {
		t.Error("GetStatus().Online = true, want false")
	}
}

func TestInitializeFailOpen(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: false, err: errors.New("probe unavailable")})
	m.Initialize(context.Background())
	defer m.Stop()

	if !m.GetStatus().Online {
		t.Error("probe failure should default to online")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: true})
	m.Initialize(context.Background())
	m.Initialize(context.Background())
	m.Stop()
}

func TestRestoredFiresExactlyOncePerTransition(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: true})

	var restoredCount int
	m.OnConnectionRestored(func() { restoredCount++ })

	m.handleChange(false)
	m.handleChange(true)

	if restoredCount != 1 {
		t.Errorf("restored fired %d times, want 1", restoredCount)
	}

	// Duplicate online notification must not fire restored again.
	m.handleChange(true)
	if restoredCount != 1 {
		t.Errorf("restored fired %d times after duplicate, want 1", restoredCount)
	}
}

func TestRestoredNotFiredOnGoingOffline(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: true})

	var restoredCount int
	m.OnConnectionRestored(func() { restoredCount++ })

	m.handleChange(false)

	if restoredCount != 0 {
		t.Errorf("restored fired %d times on offline transition, want 0", restoredCount)
	}
}

func TestListenersNotifiedOnEveryTransition(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: true})

	var changes []Change
	m.AddListener(func(c Change) { changes = append(changes, c) })

	m.handleChange(false)
	m.handleChange(true)
	m.handleChange(true) // duplicate, no transition

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Online || !changes[1].Online {
		t.Errorf("changes = %+v, want offline then online", changes)
	}
}

func TestPanickingListenerIsolated(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: true})

	var delivered int
	var restoredFired bool
	m.AddListener(func(Change) { panic("bad listener") })
	m.AddListener(func(Change) { delivered++ })
	m.OnConnectionRestored(func() { restoredFired = true })

	m.handleChange(false)
	m.handleChange(true)

	if delivered != 2 {
		t.Errorf("surviving listener got %d changes, want 2", delivered)
	}
	if !restoredFired {
		t.Error("restored callback should still fire after a listener panic")
	}
}

func TestUnsubscribe(t *testing.T) {
	m := newTestMonitor(&fakeProber{online: true})

	var count int
	unsubscribe := m.AddListener(func(Change) { count++ })

	m.handleChange(false)
	unsubscribe()
	m.handleChange(true)

	if count != 1 {
		t.Errorf("listener ran %d times, want 1", count)
	}
}

func TestChangesPublishedToBus(t *testing.T) {
	bus := event.NewBus(nil)
	m := NewMonitor(&fakeProber{online: true}, time.Hour, bus, nil)

	var events []event.Event
	bus.Subscribe(func(ev event.Event) { events = append(events, ev) })

	m.handleChange(false)

	if len(events) != 1 {
		t.Fatalf("got %d bus events, want 1", len(events))
	}
	cc, ok := events[0].(event.ConnectivityChanged)
	if !ok || cc.Online {
		t.Errorf("event = %#v, want ConnectivityChanged{false}", events[0])
	}
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL)
	online, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if !online {
		t.Error("Probe() against live server = false, want true")
	}

	srv.Close()
	online, err = p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if online {
		t.Error("Probe() against dead server = true, want false")
	}
}
