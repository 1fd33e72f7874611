package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/toru-run/toru/internal/kv"
	"github.com/toru-run/toru/internal/logsink"
	"github.com/toru-run/toru/internal/store"
	"github.com/toru-run/toru/internal/supervisor"
)

type fakeConfigStore struct {
	mu         sync.Mutex
	instanceID string
	enabled    map[string]bool
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{instanceID: "test-instance", enabled: make(map[string]bool)}
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

type fakeEventStore struct{ mu sync.Mutex }

func (f *fakeEventStore) Record(context.Context, string, store.PluginEventType, string) error {
	return nil
}

func writeFakePlugin(t *testing.T, dir, id string) {
	t.Helper()
	path := filepath.Join(dir, id)
	body := "#!/bin/sh\necho '{\"id\":\"" + id + "\",\"name\":\"" + id + "\",\"version\":\"1.0\",\"icon\":\"i\",\"route\":\"/\"}'\nexit 0\n"
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake plugin: %v", err)
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *supervisor.Supervisor) {
	t.Helper()
	pluginsDir := t.TempDir()
	writeFakePlugin(t, pluginsDir, "alpha")

	broker := kv.New(newMemKVStore(), nil, nil)
	sup := supervisor.New(supervisor.DefaultConfig(pluginsDir, t.TempDir()), newFakeConfigStore(), &fakeEventStore{}, broker, nil)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	logDir := t.TempDir()
	logs := logsink.New(logDir)

	r := chi.NewRouter()
	Routes(r, sup, logs, t.TempDir())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sup
}

type memKVStore struct{ data map[string]string }

func newMemKVStore() *memKVStore { return &memKVStore{data: make(map[string]string)} }

func (m *memKVStore) Get(_ context.Context, pluginID, key string) (*string, error) {
	v, ok := m.data[pluginID+"/"+key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *memKVStore) Set(_ context.Context, pluginID, key, value string) error {
	m.data[pluginID+"/"+key] = value
	return nil
}

func (m *memKVStore) Delete(_ context.Context, pluginID, key string) error {
	delete(m.data, pluginID+"/"+key)
	return nil
}

func TestListPluginsReturnsDiscoveredPlugin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/")
	if err != nil {
		t.Fatalf("GET /plugins/: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetUnknownPluginReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEnableUnknownPluginReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/plugins/ghost/enable", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEnableKnownPluginReturns204(t *testing.T) {
	srv, sup := newTestServer(t)

	resp, err := http.Post(srv.URL+"/plugins/alpha/enable", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := sup.GetPlugin("alpha")
		if err == nil && snap.Enabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("plugin never became enabled")
}

func TestBundleMissingReturns501(t *testing.T) {
	srv, sup := newTestServer(t)
	enableAndWait(t, srv, sup, "alpha")

	resp, err := http.Get(srv.URL + "/plugins/alpha/bundle.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestBundleUnknownPluginReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/ghost/bundle.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBundleDisabledPluginReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	// alpha is discovered but never enabled by newTestServer's fake config
	// store, so it must 404 even though it is a known plugin id.
	resp, err := http.Get(srv.URL + "/plugins/alpha/bundle.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLogsUnknownPluginReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/ghost/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func enableAndWait(t *testing.T, srv *httptest.Server, sup *supervisor.Supervisor, id string) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/plugins/"+id+"/enable", "application/json", nil)
	if err != nil {
		t.Fatalf("POST enable: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := sup.GetPlugin(id)
		if err == nil && snap.Enabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("plugin %s never became enabled", id)
}

func TestLogsEndpointReturnsEmptyForNeverLoggedPlugin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/alpha/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestLogsEndpointRejectsBadLevel(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/alpha/logs?level=nonsense")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInvalidPluginIDRejectedBeforeLookup(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/plugins/../etc/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	// chi normalizes "../" in the path before routing reaches our handler,
	// so this either 404s via routing or 400s via ValidatePluginID -- both
	// demonstrate traversal is not served as a literal plugin id.
	if resp.StatusCode == http.StatusOK {
		t.Errorf("status = %d, want non-200 for a path-traversal id", resp.StatusCode)
	}
}
