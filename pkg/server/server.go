package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/config"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/db"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/exchange"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/handlerutils"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/instrumentation"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/relay"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/gorilla/handlers"
)

const DefaultCallbackPath = "/"

// Relay owns everything a running relay needs: the configuration store and
// its reloader, the token exchanger and the optional audit log.
type Relay struct {
	store     *config.Store
	reloader  *config.Reloader
	exchanger *exchange.Exchanger
	db        *db.Store
	metrics   *instrumentation.Metrics
	config    *types.Config

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads the configuration file and opens the audit log. A configuration
// file that cannot be loaded here is fatal.
func New(ctx context.Context, cfg *types.Config, metrics *instrumentation.Metrics) (*Relay, error) {
	if cfg.ConfigFile == "" {
		return nil, fmt.Errorf("config file is required")
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if !strings.HasPrefix(cfg.CallbackPath, "/") {
		return nil, fmt.Errorf("callback path %q must start with /", cfg.CallbackPath)
	}

	store := config.NewStore()
	reloader := config.NewReloader(store, cfg.ConfigFile, metrics)
	if err := reloader.Load(ctx); err != nil {
		return nil, err
	}

	r := &Relay{
		store:     store,
		reloader:  reloader,
		exchanger: exchange.NewExchanger(nil),
		metrics:   metrics,
		config:    cfg,
	}

	switch {
	case cfg.DatabaseDSN == "":
		log.Println("DATABASE_DSN not set, exchange audit log disabled")
	case strings.HasPrefix(cfg.DatabaseDSN, "postgres://") || strings.HasPrefix(cfg.DatabaseDSN, "postgresql://"):
		log.Println("Using PostgreSQL database for the exchange audit log")
	default:
		log.Printf("Using SQLite database at %s for the exchange audit log", cfg.DatabaseDSN)
	}
	if cfg.DatabaseDSN != "" {
		auditStore, err := db.New(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		r.db = auditStore
	}

	return r, nil
}

// Local returns the local server settings of the current configuration
func (r *Relay) Local() types.LocalServerConfig {
	return r.store.CurrentLocal()
}

// Start begins watching the configuration file and pruning the audit log
// until ctx is done or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	go r.reloader.Run(r.ctx)

	if r.db != nil {
		go r.cleanupExchangeRecords(r.ctx)
	}

	return nil
}

func (r *Relay) cleanupExchangeRecords(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.db.CleanupExchangeRecords(db.DefaultRetention); err != nil {
				log.Printf("Failed to cleanup exchange records: %v", err)
			}
		}
	}
}

func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Relay) SetupRoutes(mux *http.ServeMux) {
	// a nil *db.Store must not end up inside the interface
	var audit relay.Recorder
	if r.db != nil {
		audit = r.db
	}

	mux.HandleFunc("GET /health", r.healthHandler)
	mux.Handle("GET "+callbackPattern(r.config.CallbackPath), relay.NewHandler(r.store, r.exchanger, audit, r.metrics))
}

// GetHandler returns the relay's http.Handler with access logging and panic
// recovery
func (r *Relay) GetHandler() http.Handler {
	mux := http.NewServeMux()
	r.SetupRoutes(mux)

	loggedHandler := handlers.LoggingHandler(os.Stdout, mux)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(loggedHandler)
}

func (r *Relay) healthHandler(w http.ResponseWriter, _ *http.Request) {
	status := types.HealthStatus{Status: "ok"}
	if snapshot := r.store.Current(); snapshot != nil {
		status.Clients = len(snapshot.Index)
	}
	handlerutils.JSON(w, http.StatusOK, status)
}

// callbackPattern matches the callback path exactly. "/" on its own would
// match every path on a ServeMux.
func callbackPattern(path string) string {
	if strings.HasSuffix(path, "/") {
		return path + "{$}"
	}
	return path
}
