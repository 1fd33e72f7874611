package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toru-run/toru/internal/kv"
	"github.com/toru-run/toru/internal/store"
)

type fakeConfigStore struct {
	mu         sync.Mutex
	instanceID string
	enabled    map[string]bool
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{instanceID: "fixed-test-instance-id", enabled: make(map[string]bool)}
}

func (f *fakeConfigStore) InstanceID(context.Context) (string, error) { return f.instanceID, nil }

func (f *fakeConfigStore) Enabled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[id], nil
}

func (f *fakeConfigStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[id] = enabled
	return nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []store.PluginEventType
}

func (f *fakeEventStore) Record(_ context.Context, _ string, eventType store.PluginEventType, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeEventStore) count(t store.PluginEventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == t {
			n++
		}
	}
	return n
}

func newTestBroker() *kv.Broker {
	return kv.New(newMemKV(), nil, nil)
}

// S1 — discovery with one bad plugin: only alpha survives into the
// registry and GET /plugins (ListPlugins) returns only it.
func TestSupervisorRescanSkipsHandshakeFailures(t *testing.T) {
	pluginsDir := t.TempDir()
	writePlugin(t, pluginsDir, "alpha", "#!/bin/sh\necho '{\"id\":\"alpha\",\"name\":\"Alpha\",\"version\":\"1.0\",\"icon\":\"i\",\"route\":\"/alpha\"}'\nexit 0\n")
	writePlugin(t, pluginsDir, "beta", "#!/bin/sh\nexit 1\n")

	cfgStore := newFakeConfigStore()
	events := &fakeEventStore{}
	sup := New(DefaultConfig(pluginsDir, t.TempDir()), cfgStore, events, newTestBroker(), nil)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snaps := sup.ListPlugins()
	if len(snaps) != 1 || snaps[0].ID != "alpha" {
		t.Fatalf("ListPlugins = %+v, want only alpha", snaps)
	}
	if events.count("metadata_failed") != 1 {
		t.Errorf("metadata_failed events = %d, want 1", events.count("metadata_failed"))
	}
}

func TestSupervisorNewPluginDefaultsToDisabled(t *testing.T) {
	pluginsDir := t.TempDir()
	writePlugin(t, pluginsDir, "alpha", "#!/bin/sh\necho '{\"id\":\"alpha\",\"name\":\"Alpha\",\"version\":\"1.0\",\"icon\":\"i\",\"route\":\"/alpha\"}'\nexit 0\n")

	sup := New(DefaultConfig(pluginsDir, t.TempDir()), newFakeConfigStore(), &fakeEventStore{}, newTestBroker(), nil)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := sup.GetPlugin("alpha")
	if err != nil {
		t.Fatalf("GetPlugin: %v", err)
	}
	if snap.Enabled || snap.State != Unloaded {
		t.Errorf("snapshot = %+v, want disabled/unloaded for a newly discovered plugin", snap)
	}
}

func TestSupervisorGetPluginUnknownIDIsNotFound(t *testing.T) {
	sup := New(DefaultConfig(t.TempDir(), t.TempDir()), newFakeConfigStore(), &fakeEventStore{}, newTestBroker(), nil)
	if _, err := sup.GetPlugin("ghost"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// S4 — crash-restart-disable: a plugin whose runtime invocation always
// exits immediately (never creates the socket) is respawned until
// MaxRestarts is reached, then flips to enabled=false/Disabled. MaxRestarts
// and the socket-appearance timeout are both shrunk so the test completes
// quickly while still exercising the real backoff path.
func TestSupervisorCrashLoopDisablesAfterMaxRestarts(t *testing.T) {
	pluginsDir := t.TempDir()
	writePlugin(t, pluginsDir, "alpha",
		"#!/bin/sh\nif [ \"$1\" = \"--metadata\" ]; then echo '{\"id\":\"alpha\",\"name\":\"Alpha\",\"version\":\"1.0\",\"icon\":\"i\",\"route\":\"/alpha\"}'; exit 0; fi\nexit 1\n")

	cfgStore := newFakeConfigStore()
	events := &fakeEventStore{}
	cfg := DefaultConfig(pluginsDir, t.TempDir())
	cfg.MaxRestarts = 2
	cfg.SocketAppearTimeout = 30 * time.Millisecond
	sup := New(cfg, cfgStore, events, newTestBroker(), nil)

	if err := cfgStore.SetEnabled(context.Background(), "alpha", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := sup.GetPlugin("alpha")
		if err == nil && !snap.Enabled && snap.State == Disabled {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	snap, err := sup.GetPlugin("alpha")
	if err != nil {
		t.Fatalf("GetPlugin: %v", err)
	}
	if snap.Enabled {
		t.Error("plugin should be disabled after exceeding MaxRestarts")
	}
	if snap.State != Disabled {
		t.Errorf("state = %s, want disabled", snap.State)
	}
	if events.count("auto_disabled") != 1 {
		t.Errorf("auto_disabled events = %d, want 1", events.count("auto_disabled"))
	}
}

// The health probe (spec.md §4.5) must kill a Running plugin whose socket
// file has disappeared without its process exiting, after
// HealthProbeMaxFailures consecutive probes. This drives probeOnce
// directly against a hand-built Record rather than a full spawn, since the
// only observable signal is the socket file and the restart machinery this
// feeds is already covered by TestSupervisorCrashLoopDisablesAfterMaxRestarts.
func TestHealthProbeKillsPluginWithMissingSocket(t *testing.T) {
	sup := New(DefaultConfig(t.TempDir(), t.TempDir()), newFakeConfigStore(), &fakeEventStore{}, newTestBroker(), nil)
	sup.cfg.HealthProbeMaxFailures = 2

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	sup.mu.Lock()
	sup.registry["alpha"] = &Record{
		ID:         "alpha",
		Enabled:    true,
		State:      Running,
		SocketPath: filepath.Join(t.TempDir(), "missing.sock"),
		Cmd:        cmd,
	}
	sup.mu.Unlock()

	sup.probeOnce()
	sup.mu.Lock()
	failures := sup.probeFailures["alpha"]
	sup.mu.Unlock()
	if failures != 1 {
		t.Fatalf("probeFailures after 1 probe = %d, want 1", failures)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	sup.probeOnce()

	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("process was not killed after exceeding HealthProbeMaxFailures")
	}

	sup.mu.Lock()
	_, stillTracked := sup.probeFailures["alpha"]
	sup.mu.Unlock()
	if stillTracked {
		t.Error("probeFailures entry should be cleared once the plugin is killed")
	}
}
