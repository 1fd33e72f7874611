// Package supervisor discovers plugin binaries, supervises their lifecycle
// across crash-restart-with-backoff and an explicit enable/disable cycle,
// and multiplexes the per-plugin session protocol (lifecycle, HTTP
// forwarding, KV). Its locking discipline — clone what's needed, release
// the registry mutex, then do I/O — is grounded on the teacher's
// PluginLoader (internal/core/loader.go): lock, read/mutate the map entry,
// unlock, then spawn/initialize outside the lock.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/toru-run/toru/internal/kv"
	"github.com/toru-run/toru/internal/store"
	"github.com/toru-run/toru/internal/wire"
)

// ConfigStore is the subset of store.PluginConfigStore the supervisor needs.
type ConfigStore interface {
	InstanceID(ctx context.Context) (string, error)
	Enabled(ctx context.Context, id string) (bool, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// EventStore is the subset of store.PluginEventStore the supervisor needs.
type EventStore interface {
	Record(ctx context.Context, pluginID string, eventType store.PluginEventType, details string) error
}

// Config bounds the supervisor's tunables, all configuration-overridable
// per spec.md §5.
type Config struct {
	PluginsDir             string
	DataDir                string
	MaxRestarts            int
	SocketAppearTimeout    time.Duration
	ShutdownGrace          time.Duration
	HealthProbeInterval    time.Duration
	HealthProbeMaxFailures int
}

// DefaultConfig returns the spec-mandated defaults (spec.md §5).
func DefaultConfig(pluginsDir, dataDir string) Config {
	return Config{
		PluginsDir:             pluginsDir,
		DataDir:                dataDir,
		MaxRestarts:            DefaultMaxRestarts,
		SocketAppearTimeout:    5 * time.Second,
		ShutdownGrace:          3 * time.Second,
		HealthProbeInterval:    HealthProbeInterval,
		HealthProbeMaxFailures: HealthProbeMaxFailures,
	}
}

// Supervisor owns the plugin registry and route index (spec.md §3, §9).
type Supervisor struct {
	cfg      Config
	cfgStore ConfigStore
	events   EventStore
	broker   *kv.Broker
	logger   *slog.Logger

	mu            sync.Mutex
	registry      map[string]*Record
	sessions      map[string]*session
	probeFailures map[string]int

	routes *routeIndex

	instanceID string

	wg       sync.WaitGroup
	stopping chan struct{}
}

// New builds a Supervisor. cfgStore and events back persistence; broker
// serves plugin-originated KV requests.
func New(cfg Config, cfgStore ConfigStore, events EventStore, broker *kv.Broker, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:           cfg,
		cfgStore:      cfgStore,
		events:        events,
		broker:        broker,
		logger:        logger.With("component", "supervisor"),
		registry:      make(map[string]*Record),
		sessions:      make(map[string]*session),
		probeFailures: make(map[string]int),
		routes:        newRouteIndex(),
		stopping:      make(chan struct{}),
	}
}

// Start loads the host instance id, runs an initial discovery sweep, and
// spawns every persisted-enabled plugin (spec.md §4.4).
func (s *Supervisor) Start(ctx context.Context) error {
	id, err := s.cfgStore.InstanceID(ctx)
	if err != nil {
		return fmt.Errorf("%w: load instance id: %v", ErrStoreError, err)
	}
	s.instanceID = id

	if err := s.Rescan(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.runHealthProbe()
	return nil
}

// Stop disables every Running/Degraded plugin and waits for their session
// goroutines to exit.
func (s *Supervisor) Stop() {
	close(s.stopping)

	s.mu.Lock()
	ids := make([]string, 0, len(s.registry))
	for id := range s.registry {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.DisablePlugin(context.Background(), id)
	}
	s.wg.Wait()
}

// Rescan re-enumerates the plugins directory, running the handshake for
// every candidate and admitting newly discovered ones into the registry.
// One bad candidate never prevents the rest from loading (spec.md §4.4).
func (s *Supervisor) Rescan(ctx context.Context) error {
	candidates, err := discoverCandidates(s.cfg.PluginsDir)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		s.mu.Lock()
		_, known := s.registry[c.ID]
		s.mu.Unlock()
		if known {
			continue
		}

		meta, err := handshake(ctx, c.BinaryPath)
		if err != nil {
			s.logger.Warn("handshake failed", "plugin_id", c.ID, "error", err)
			s.recordEvent(ctx, c.ID, "metadata_failed", err.Error())
			continue
		}

		enabled, err := s.cfgStore.Enabled(ctx, c.ID)
		if err != nil {
			s.logger.Error("failed to load enabled flag", "plugin_id", c.ID, "error", err)
			enabled = false
		}

		rec := &Record{
			ID:         c.ID,
			Metadata:   meta,
			Enabled:    enabled,
			State:      Unloaded,
			BinaryPath: c.BinaryPath,
		}
		s.mu.Lock()
		s.registry[c.ID] = rec
		s.mu.Unlock()

		if enabled {
			s.transitionToStarting(ctx, c.ID)
		}
	}
	return nil
}

// EnablePlugin persists enabled=true and transitions Unloaded/Disabled ->
// Starting (spec.md §4.5). It is the single supervisor-level write guard
// for mutations (spec.md §4.7).
func (s *Supervisor) EnablePlugin(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.registry[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := s.cfgStore.SetEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	s.mu.Lock()
	rec.Enabled = true
	rec.RestartCount = 0
	s.mu.Unlock()

	s.transitionToStarting(ctx, id)
	return nil
}

// DisablePlugin persists enabled=false and transitions Running/Degraded ->
// Stopping -> Disabled, sending a graceful shutdown before killing the
// child (spec.md §4.5).
func (s *Supervisor) DisablePlugin(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.registry[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := s.cfgStore.SetEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	s.mu.Lock()
	rec.Enabled = false
	prevState := rec.State
	rec.State = Stopping
	sess := s.sessions[id]
	cmd := rec.Cmd
	route := ""
	if rec.Metadata != nil {
		route = rec.Metadata.Route
	}
	s.mu.Unlock()

	if prevState != Running && prevState != Degraded {
		s.mu.Lock()
		rec.State = Disabled
		s.mu.Unlock()
		return nil
	}

	s.routes.Remove(route, id)

	if sess != nil {
		sess.Send(wire.NewLifecycle(wire.ActionShutdown, nil))
		s.gracefulKill(cmd, sess)
	}

	s.mu.Lock()
	rec.State = Disabled
	rec.PID = 0
	rec.SocketPath = ""
	rec.Cmd = nil
	delete(s.sessions, id)
	s.mu.Unlock()

	s.recordEvent(ctx, id, "stopped", "")
	return nil
}

func (s *Supervisor) gracefulKill(cmd *exec.Cmd, sess *session) {
	done := make(chan struct{})
	go func() {
		if cmd != nil && cmd.Process != nil {
			_, _ = cmd.Process.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
	if sess != nil {
		sess.Close()
	}
}

// GetPlugin returns a snapshot of one plugin's state.
func (s *Supervisor) GetPlugin(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.registry[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return rec.Snapshot(), nil
}

// ListPlugins returns a snapshot of every registered plugin.
func (s *Supervisor) ListPlugins() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.registry))
	for _, rec := range s.registry {
		out = append(out, rec.Snapshot())
	}
	return out
}

// ForwardHTTP dispatches req to whichever plugin owns route, correlating
// the reply by request_id (spec.md §4.6, S2).
func (s *Supervisor) ForwardHTTP(ctx context.Context, route string, req wire.HTTPRequest) (wire.HTTPResponse, error) {
	id, ok := s.routes.Lookup(route)
	if !ok {
		return wire.HTTPResponse{}, ErrNotFound
	}

	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return wire.HTTPResponse{}, ErrSocketError
	}
	return sess.ForwardHTTP(ctx, req)
}

// transitionToStarting spawns id's child and runs its session loop in a
// background goroutine, looping through Starting -> Running -> Degraded ->
// (restart or Disabled) until the plugin is disabled.
func (s *Supervisor) transitionToStarting(ctx context.Context, id string) {
	s.mu.Lock()
	rec, ok := s.registry[id]
	if ok {
		rec.State = Starting
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.wg.Add(1)
	go s.runLifecycle(ctx, id)
}

// runLifecycle drives one plugin through repeated spawn attempts until it
// is disabled, implementing the backoff and circuit-breaker rules of
// spec.md §4.5.
func (s *Supervisor) runLifecycle(ctx context.Context, id string) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopping:
			return
		default:
		}

		s.mu.Lock()
		rec, ok := s.registry[id]
		if !ok || !rec.Enabled {
			s.mu.Unlock()
			return
		}
		rec.State = Starting
		s.mu.Unlock()

		runErr := s.spawnAndRun(ctx, id)

		s.mu.Lock()
		rec, ok = s.registry[id]
		if !ok || !rec.Enabled {
			s.mu.Unlock()
			return
		}
		priorRestartCount := rec.RestartCount
		if runErr == nil {
			// Ran healthily for HealthyResetAfter before exiting; reset the window.
			rec.RestartCount = 0
		} else {
			rec.RestartCount++
		}
		restartCount := rec.RestartCount
		route := ""
		if rec.Metadata != nil {
			route = rec.Metadata.Route
		}
		rec.State = Degraded
		rec.PID = 0
		rec.Cmd = nil
		delete(s.sessions, id)
		s.mu.Unlock()

		s.routes.Remove(route, id)
		s.recordEvent(ctx, id, "crashed", errString(runErr))

		if restartCount >= s.maxRestarts() {
			if err := s.cfgStore.SetEnabled(ctx, id, false); err != nil {
				s.logger.Error("failed to persist auto-disable", "plugin_id", id, "error", err)
			}
			s.mu.Lock()
			if rec, ok := s.registry[id]; ok {
				rec.Enabled = false
				rec.State = Disabled
				rec.RestartCount = 0
			}
			s.mu.Unlock()
			s.recordEvent(ctx, id, "auto_disabled", "")
			return
		}

		delayFor := restartCount
		if runErr != nil {
			delayFor = priorRestartCount
		}
		delay := backoffDelay(delayFor)
		select {
		case <-time.After(delay):
		case <-s.stopping:
			return
		}
	}
}

func (s *Supervisor) maxRestarts() int {
	if s.cfg.MaxRestarts <= 0 {
		return DefaultMaxRestarts
	}
	return s.cfg.MaxRestarts
}

// spawnAndRun spawns the child, waits for the Unix socket to appear,
// performs the init handshake, and blocks for the session's lifetime. A
// nil return means the plugin ran Running continuously for at least
// HealthyResetAfter before exiting (spec.md §4.5's healthy-reset rule).
func (s *Supervisor) spawnAndRun(ctx context.Context, id string) error {
	s.mu.Lock()
	rec := s.registry[id]
	binaryPath := rec.BinaryPath
	s.mu.Unlock()

	socketPath := filepath.Join(s.cfg.DataDir, "sockets", id+".sock")
	logPath := filepath.Join(s.cfg.DataDir, "logs", id+".jsonl")
	_ = os.MkdirAll(filepath.Dir(socketPath), 0o755)
	_ = os.MkdirAll(filepath.Dir(logPath), 0o755)
	_ = os.Remove(socketPath) // a crash can leave a stale listener file (spec.md §5)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrSocketError, socketPath, err)
	}
	defer listener.Close()

	cmd := exec.CommandContext(ctx, binaryPath)
	cmd.Env = append(os.Environ(),
		"TORU_PLUGIN_SOCKET="+socketPath,
		"TORU_PLUGIN_LOG="+logPath,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.mu.Lock()
	rec.Cmd = cmd
	rec.PID = cmd.Process.Pid
	rec.SocketPath = socketPath
	s.mu.Unlock()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	var conn net.Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			_ = cmd.Process.Kill()
			return fmt.Errorf("%w: accept: %v", ErrSocketError, res.err)
		}
		conn = res.conn
	case <-time.After(s.cfg.SocketAppearTimeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("%w: socket did not appear within %s", ErrTimeout, s.cfg.SocketAppearTimeout)
	}

	sess := newSession(id, conn, s.broker, s.logger)
	sess.Send(wire.NewLifecycle(wire.ActionInit, &wire.InitPayload{
		InstanceID:   s.instanceID,
		PluginSocket: socketPath,
		LogPath:      logPath,
	}))

	s.mu.Lock()
	s.sessions[id] = sess
	rec.State = Running
	rec.RunningSince = time.Now()
	route := ""
	if rec.Metadata != nil {
		route = rec.Metadata.Route
	}
	s.mu.Unlock()

	if route != "" {
		if !s.routes.Insert(route, id) {
			s.recordEvent(ctx, id, "route_conflict", route)
		}
	}

	s.recordEvent(ctx, id, "started", "")

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.run(ctx) }()

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	select {
	case err := <-runErrCh:
		_ = cmd.Process.Kill()
		<-waitErrCh
		if err != nil {
			return err
		}
		return s.healthyOutcome(rec, fmt.Errorf("session ended"))
	case err := <-waitErrCh:
		sess.Close()
		<-runErrCh
		if err != nil {
			return s.healthyOutcome(rec, fmt.Errorf("%w: %v", ErrSpawnFailed, err))
		}
		return s.healthyOutcome(rec, fmt.Errorf("child exited"))
	}
}

// runHealthProbe periodically checks every Running plugin's socket file and
// kills the ones that have gone missing HealthProbeMaxFailures probes in a
// row, driving them through the normal crash/backoff path (spec.md §4.5,
// §8 invariant 3: a plugin whose socket vanishes without its process exiting
// must not stay Running forever).
func (s *Supervisor) runHealthProbe() {
	defer s.wg.Done()

	interval := s.cfg.HealthProbeInterval
	if interval <= 0 {
		interval = HealthProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.probeOnce()
		case <-s.stopping:
			return
		}
	}
}

func (s *Supervisor) probeOnce() {
	maxFailures := s.cfg.HealthProbeMaxFailures
	if maxFailures <= 0 {
		maxFailures = HealthProbeMaxFailures
	}

	type victim struct {
		id  string
		cmd *exec.Cmd
	}
	var dead []victim

	s.mu.Lock()
	for id, rec := range s.registry {
		if rec.State != Running {
			delete(s.probeFailures, id)
			continue
		}
		if _, err := os.Stat(rec.SocketPath); err == nil {
			delete(s.probeFailures, id)
			continue
		}
		s.probeFailures[id]++
		if s.probeFailures[id] >= maxFailures {
			dead = append(dead, victim{id: id, cmd: rec.Cmd})
			delete(s.probeFailures, id)
		}
	}
	s.mu.Unlock()

	for _, v := range dead {
		s.logger.Warn("health probe failed repeatedly, killing plugin", "plugin_id", v.id, "failures", maxFailures)
		if v.cmd != nil && v.cmd.Process != nil {
			_ = v.cmd.Process.Kill()
		}
	}
}

// healthyOutcome implements the healthy-reset rule: if the plugin was
// Running for at least HealthyResetAfter, the exit is still reported (the
// caller always records a crashed event) but the restart counter resets to
// zero, per spec.md §4.5.
func (s *Supervisor) healthyOutcome(rec *Record, exitErr error) error {
	s.mu.Lock()
	since := rec.RunningSince
	s.mu.Unlock()
	if !since.IsZero() && time.Since(since) >= HealthyResetAfter {
		return nil
	}
	return exitErr
}

func (s *Supervisor) recordEvent(ctx context.Context, id, eventType, details string) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, id, store.PluginEventType(eventType), details); err != nil {
		s.logger.Error("failed to record plugin event", "plugin_id", id, "event_type", eventType, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
