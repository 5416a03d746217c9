// Package app wires the FieldSync pieces together: it routes sync triggers
// (connectivity restored, new local mutations, app foreground, manual
// request) into the engine and pushes status snapshots to the UI sink.
package app

import (
	"context"
	gosync "sync"

	"github.com/ecofield/fieldsync/internal/crypto"
	"github.com/ecofield/fieldsync/internal/event"
	"github.com/ecofield/fieldsync/internal/logging"
	"github.com/ecofield/fieldsync/internal/network"
	"github.com/ecofield/fieldsync/internal/sync"
)

// StatusSink receives status snapshots for display.
type StatusSink interface {
	PushStatus(sync.Snapshot)
}

// SyncController is the slice of the sync engine the coordinator drives.
type SyncController interface {
	ManualSync(ctx context.Context) error
	TriggerAutoSync()
	Snapshot() sync.Snapshot
	SetStatusHandler(sync.StatusHandler)
	Close()
}

// ConnectivityMonitor is the slice of the network monitor the coordinator
// wires triggers to.
type ConnectivityMonitor interface {
	Initialize(ctx context.Context)
	GetStatus() network.Status
	AddListener(network.Listener) func()
	OnConnectionRestored(network.RestoredFunc) func()
	Stop()
}

// CredentialStore persists the auth token across restarts.
type CredentialStore interface {
	StoreCredential(account, value string) error
	GetCredential(account string) (string, error)
	DeleteCredential(account string) error
}

// TokenStore holds the in-memory auth token. It is shared between the app
// (which loads and updates it) and the API client (which reads it per
// request).
type TokenStore struct {
	mu    gosync.RWMutex
	token string
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Token returns the current auth token, or "" when not authenticated.
func (t *TokenStore) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Set replaces the current token.
func (t *TokenStore) Set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// App is the coordinator built once at startup.
type App struct {
	monitor ConnectivityMonitor
	engine  SyncController
	bus     *event.Bus
	creds   CredentialStore
	tokens  *TokenStore
	sink    StatusSink
	log     *logging.Logger

	mu          gosync.Mutex
	initialized bool
	unsubs      []func()
}

// New creates an App. The sink is optional; without one, status snapshots
// are dropped.
func New(monitor ConnectivityMonitor, engine SyncController, bus *event.Bus,
	creds CredentialStore, tokens *TokenStore, sink StatusSink, log *logging.Logger) *App {
	if log == nil {
		log = logging.Get()
	}
	return &App{
		monitor: monitor,
		engine:  engine,
		bus:     bus,
		creds:   creds,
		tokens:  tokens,
		sink:    sink,
		log:     log.WithComponent("app"),
	}
}

// Initialize starts connectivity monitoring, loads the stored auth token,
// wires the sync triggers, pushes the initial status, and kicks off an
// initial sync if the device is online and authenticated. Idempotent.
func (a *App) Initialize(ctx context.Context) {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return
	}
	a.initialized = true
	a.mu.Unlock()

	a.engine.SetStatusHandler(sync.StatusHandlerFunc(a.pushStatus))

	a.monitor.Initialize(ctx)

	a.loadToken()

	restoredUnsub := a.monitor.OnConnectionRestored(func() {
		a.log.Info("connectivity restored, starting sync")
		a.engine.TriggerAutoSync()
	})
	changeUnsub := a.monitor.AddListener(func(network.Change) {
		a.refreshStatus()
	})
	busUnsub := a.bus.Subscribe(func(ev event.Event) {
		if _, ok := ev.(event.SyncNeeded); !ok {
			return
		}
		a.refreshStatus()
		if a.readyToSync() {
			a.engine.TriggerAutoSync()
		}
	})

	a.mu.Lock()
	a.unsubs = append(a.unsubs, restoredUnsub, changeUnsub, busUnsub)
	a.mu.Unlock()

	a.refreshStatus()

	if a.readyToSync() {
		a.engine.TriggerAutoSync()
	}

	a.log.Info("app initialized", map[string]interface{}{
		"online":        a.monitor.GetStatus().Online,
		"authenticated": a.tokens.Token() != "",
	})
}

// ManualSync runs a user-requested sync pass.
func (a *App) ManualSync(ctx context.Context) error {
	return a.engine.ManualSync(ctx)
}

// HandleForeground runs when the app returns to the foreground: refresh the
// status and, if online and authenticated, catch up.
func (a *App) HandleForeground(ctx context.Context) {
	a.refreshStatus()
	if a.readyToSync() {
		a.engine.TriggerAutoSync()
	}
}

// SetAuthToken stores a new auth token and triggers a catch-up sync if
// online.
func (a *App) SetAuthToken(token string) error {
	if err := a.creds.StoreCredential(crypto.AuthTokenAccount, token); err != nil {
		return err
	}
	a.tokens.Set(token)
	if a.readyToSync() {
		a.engine.TriggerAutoSync()
	}
	return nil
}

// ClearAuthToken removes the stored auth token.
func (a *App) ClearAuthToken() error {
	if err := a.creds.DeleteCredential(crypto.AuthTokenAccount); err != nil {
		return err
	}
	a.tokens.Set("")
	a.refreshStatus()
	return nil
}

// Close unwires the triggers and stops the monitor and engine.
func (a *App) Close() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	a.monitor.Stop()
	a.engine.Close()
}

// loadToken restores the auth token from the credential store. A missing or
// unreadable credential just means not authenticated.
func (a *App) loadToken() {
	token, err := a.creds.GetCredential(crypto.AuthTokenAccount)
	if err != nil {
		a.log.Debug("no stored auth token", map[string]interface{}{"reason": err.Error()})
		return
	}
	a.tokens.Set(token)
}

// readyToSync reports whether an automatic pass is worth starting.
func (a *App) readyToSync() bool {
	return a.monitor.GetStatus().Online && a.tokens.Token() != ""
}

// refreshStatus recomputes the snapshot and pushes it to the sink.
func (a *App) refreshStatus() {
	a.pushStatus(a.engine.Snapshot())
}

func (a *App) pushStatus(s sync.Snapshot) {
	if a.sink == nil {
		return
	}
	a.sink.PushStatus(s)
}
