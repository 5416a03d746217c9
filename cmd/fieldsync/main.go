// Package main is the FieldSync service entrypoint: it wires the local
// store, connectivity monitor, API client, and sync engine together and
// serves the local UI surface (WebSocket status push plus a few control
// endpoints) on localhost.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecofield/fieldsync/internal/api"
	"github.com/ecofield/fieldsync/internal/app"
	"github.com/ecofield/fieldsync/internal/crypto"
	"github.com/ecofield/fieldsync/internal/db"
	apperrors "github.com/ecofield/fieldsync/internal/errors"
	"github.com/ecofield/fieldsync/internal/event"
	"github.com/ecofield/fieldsync/internal/logging"
	"github.com/ecofield/fieldsync/internal/network"
	syncengine "github.com/ecofield/fieldsync/internal/sync"
)

func main() {
	var (
		dataDir    = flag.String("data", defaultDataDir(), "data directory for the local database and credentials")
		apiURL     = flag.String("api", "https://app.ecofield.example.com", "remote API base URL")
		probeURL   = flag.String("probe", "", "connectivity probe URL (defaults to <api>/api/health)")
		listenAddr = flag.String("listen", "127.0.0.1:8090", "local UI listen address")
		logLevel   = flag.String("log-level", "info", "minimum log level (debug|info|warn|error)")
		demo       = flag.Bool("demo", false, "seed demo data into an empty database")
	)
	flag.Parse()

	logging.Init(os.Stderr, logging.ParseLevel(*logLevel))
	log := logging.Get().WithComponent("main")

	if *probeURL == "" {
		*probeURL = *apiURL + "/api/health"
	}

	database, err := db.Open(*dataDir)
	if err != nil {
		log.Error("failed to open database", err, map[string]interface{}{"data_dir": *dataDir})
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Error("failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Migrate(); err != nil {
		log.Error("failed to migrate database", err)
		os.Exit(1)
	}

	bus := event.NewBus(logging.Get())
	repo := db.NewRepository(database.DB, bus)
	defer repo.Close()

	if *demo {
		if err := repo.SeedDemoData(); err != nil {
			log.Error("failed to seed demo data", err)
			os.Exit(1)
		}
		log.Info("demo data seeded")
	}

	tokens := app.NewTokenStore()
	client := api.NewHTTPClient(*apiURL, tokens)
	prober := network.NewHTTPProber(*probeURL)
	monitor := network.NewMonitor(prober, network.DefaultPollInterval, bus, logging.Get())
	engine := syncengine.NewEngine(repo, client, monitor, tokens, logging.Get())
	creds := crypto.NewSecureStorage(*dataDir)
	hub := NewWSHub(logging.Get())

	application := app.New(monitor, engine, bus, creds, tokens, hub, logging.Get())
	application.Initialize(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	mux.HandleFunc("/api/health", handleHealth)
	mux.HandleFunc("/api/status", handleStatus(engine))
	mux.HandleFunc("/api/sync", handleManualSync(application))

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info("listening", map[string]interface{}{"addr": *listenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}

	application.Close()
	hub.Stop()
}

func defaultDataDir() string {
	if dir := os.Getenv("FIELDSYNC_DATA"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.fieldsync"
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"fieldsync"}`))
}

// statusSource supplies the current sync snapshot.
type statusSource interface {
	Snapshot() syncengine.Snapshot
}

// manualSyncer runs a user-requested sync pass.
type manualSyncer interface {
	ManualSync(ctx context.Context) error
}

// handleStatus returns the current sync snapshot.
func handleStatus(engine statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(engine.Snapshot())
	}
}

// handleManualSync runs a user-requested sync pass. Precondition failures
// map to 409 (already syncing), 503 (offline), and 401 (not logged in).
func handleManualSync(a manualSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		err := a.ManualSync(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err == nil {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}

		switch {
		case apperrors.Is(err, apperrors.ErrSyncInProgress):
			w.WriteHeader(http.StatusConflict)
		case apperrors.Is(err, apperrors.ErrOffline):
			w.WriteHeader(http.StatusServiceUnavailable)
		case apperrors.Is(err, apperrors.ErrAuthRequired):
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"code":    string(apperrors.CodeOf(err)),
			"message": err.Error(),
		})
	}
}
