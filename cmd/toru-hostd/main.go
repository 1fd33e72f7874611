// Command toru-hostd runs the plugin host: it discovers plugin binaries,
// supervises their lifecycle over Unix-socket sessions, and exposes the
// management and forwarding HTTP surface described by the host's own spec.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toru-run/toru/internal/api"
	"github.com/toru-run/toru/internal/config"
	"github.com/toru-run/toru/internal/eventbus"
	"github.com/toru-run/toru/internal/executor"
	"github.com/toru-run/toru/internal/kv"
	"github.com/toru-run/toru/internal/logging"
	"github.com/toru-run/toru/internal/logsink"
	"github.com/toru-run/toru/internal/store"
	"github.com/toru-run/toru/internal/supervisor"
	"github.com/toru-run/toru/internal/wsrelay"
)

const defaultListen = ":8080"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.GetLogBuffer()
	logger := slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, logLevel))
	slog.SetDefault(logger)

	configPath := getEnv("TORU_CONFIG", "./config.yaml")
	if err := ensureConfigFile(configPath); err != nil {
		slog.Error("failed to initialize config file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting toru-hostd", "config_path", configPath, "listen", cfg.Listen)

	_ = os.MkdirAll(cfg.Plugins.Dir, 0o755)
	_ = os.MkdirAll(cfg.Plugins.DataDir, 0o755)
	scriptsDir := filepath.Join(cfg.Plugins.DataDir, "scripts")
	_ = os.MkdirAll(scriptsDir, 0o755)
	logsDir := filepath.Join(cfg.Plugins.DataDir, "logs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg := store.DefaultConfig(cfg.Plugins.DataDir)
	db, err := store.Open(dbCfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := store.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	bus, err := eventbus.New(eventbus.DefaultConfig(), logger)
	if err != nil {
		slog.Error("failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	configStore := store.NewPluginConfigStore(db)
	kvStore := store.NewPluginKVStore(db)
	baseEvents := store.NewPluginEventStore(db)
	events := &fanoutEventStore{inner: baseEvents, bus: bus}

	broker := kv.New(kvStore, baseEvents, logger)

	supCfg := supervisor.DefaultConfig(cfg.Plugins.Dir, cfg.Plugins.DataDir)
	supCfg.SocketAppearTimeout = cfg.SocketAppearTimeout()
	supCfg.ShutdownGrace = cfg.ShutdownGrace()

	sup := supervisor.New(supCfg, configStore, events, broker, logger)
	if err := sup.Start(ctx); err != nil {
		slog.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}
	defer sup.Stop()

	logs := logsink.New(logsDir)
	defer func() { _ = logs.Close() }()

	registry := executor.NewRegistry()
	history := store.NewTaskHistoryStore(db)
	runner := executor.NewRunner(scriptsDir, registry, history)

	hub := wsrelay.NewHub(logger, runner)
	hub.SetTaskPublisher(&busTaskPublisher{bus: bus})
	go hub.Run()

	if _, err := bus.SubscribePluginEvents(func(ev eventbus.PluginEvent) {
		hub.BroadcastPluginEvent(ev)
	}); err != nil {
		slog.Warn("failed to subscribe hub to plugin events", "error", err)
	}
	if _, err := bus.SubscribeTaskMessages(func(tm eventbus.TaskMessage) {
		hub.BroadcastTaskOutput(tm.TaskID, map[string]string{"type": tm.Type, "data": tm.Data})
	}); err != nil {
		slog.Warn("failed to subscribe hub to task messages", "error", err)
	}

	if err := cfg.Watch(); err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	}
	cfg.OnChange(func(c *config.Config) {
		slog.Info("config reloaded", "listen", c.Listen)
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/ws", hub.HandleWebSocket)
	router.Get("/health", handleHealth(sup, db))
	router.Get("/system/logs", handleSystemLogs(logBuffer))

	router.Route("/api/v1", func(r chi.Router) {
		api.Routes(r, sup, logs, cfg.Plugins.Dir)
	})

	router.NotFound(forwardHandler(sup, cfg.HTTPForwardTimeout()))

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "address", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

// fanoutEventStore records a plugin event durably and also publishes it on
// the event bus for live subscribers (internal/wsrelay's hub included),
// keeping the two event surfaces (spec.md §6's durable table, SPEC_FULL.md's
// ephemeral bus) in sync without the supervisor knowing about either.
type fanoutEventStore struct {
	inner *store.PluginEventStore
	bus   *eventbus.Bus
}

func (f *fanoutEventStore) Record(ctx context.Context, pluginID string, eventType store.PluginEventType, details string) error {
	if err := f.inner.Record(ctx, pluginID, eventType, details); err != nil {
		return err
	}
	return f.bus.PublishPluginEvent(eventbus.PluginEvent{
		PluginID:  pluginID,
		EventType: string(eventType),
		Details:   details,
		Timestamp: time.Now(),
	})
}

// busTaskPublisher adapts the event bus to wsrelay.TaskPublisher so script
// output fans out through the same pub/sub surface as plugin events
// (internal/eventbus.TaskMessage), rather than going straight from a
// websocket client's run request to that same client's own hub broadcast.
type busTaskPublisher struct {
	bus *eventbus.Bus
}

func (p *busTaskPublisher) PublishTaskMessage(taskID, msgType, data string) error {
	return p.bus.PublishTaskMessage(eventbus.TaskMessage{
		TaskID:    taskID,
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func handleHealth(sup *supervisor.Supervisor, db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := db.Health(r.Context()); err != nil {
			status = "degraded"
		}

		plugins := sup.ListPlugins()
		pluginHealth := make(map[string]string, len(plugins))
		for _, p := range plugins {
			pluginHealth[p.ID] = string(p.Health)
			if p.Health == supervisor.HealthUnhealthy {
				status = "degraded"
			}
		}

		api.OK(w, map[string]interface{}{
			"status":  status,
			"plugins": pluginHealth,
		})
	}
}

func handleSystemLogs(buf *logging.RingBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 100
		if raw := r.URL.Query().Get("n"); raw != "" {
			if parsed, err := parsePositiveInt(raw); err == nil {
				n = parsed
			}
		}
		api.OK(w, buf.GetRecent(n))
	}
}

// forwardHandler dispatches any request not matched by a registered route
// to the plugin that owns the request path's leading segment (spec.md §4.6,
// S2): "/alpha/ping" forwards to the plugin owning route "/alpha" with
// path "/ping".
func forwardHandler(sup *supervisor.Supervisor, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		route, rest := splitRoute(r.URL.Path)
		if route == "" {
			api.NotFound(w, "no plugin owns this route")
			return
		}

		req, err := api.ForwardRequest(r)
		if err != nil {
			api.InternalError(w, err.Error())
			return
		}
		req.Path = rest

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		resp, err := sup.ForwardHTTP(ctx, route, req)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, supervisor.ErrTimeout):
				w.WriteHeader(http.StatusGatewayTimeout)
			case errors.Is(err, supervisor.ErrNotFound):
				api.NotFound(w, "no plugin owns this route")
			default:
				api.InternalError(w, err.Error())
			}
			return
		}
		api.WriteForwardedResponse(w, resp)
	}
}

func splitRoute(path string) (route, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "/"
	}
	parts := strings.SplitN(trimmed, "/", 2)
	route = "/" + parts[0]
	if len(parts) == 2 {
		rest = "/" + parts[1]
	} else {
		rest = "/"
	}
	return route, rest
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("non-positive")
	}
	return n, nil
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte("listen: \""+defaultListen+"\"\n"), 0o644)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
