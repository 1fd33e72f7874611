// Package config loads and hot-reloads the host's YAML configuration file,
// grounded on the teacher's Load/Save/Watch/OnChange idiom
// (internal/config/config.go) but reduced to the plugin host's own
// tunables instead of the NVR camera/detector/storage schema.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the host's top-level configuration document.
type Config struct {
	Listen  string        `yaml:"listen"`
	Plugins PluginsConfig `yaml:"plugins"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// PluginsConfig locates the plugins and data directories (spec.md §6).
type PluginsConfig struct {
	Dir     string `yaml:"dir"`
	DataDir string `yaml:"data_dir"`
}

// TimeoutsConfig carries the host's timeout settings (spec.md §5). All five
// are parsed and defaulted, but cmd/toru-hostd applies only three:
// SocketAppearMS and ShutdownGraceMS are passed to the supervisor, and
// HTTPForwardMS becomes the forward request's context deadline (the
// session's fixed 30s HTTPForwardTimeout still caps it). HandshakeMS and
// BackoffCapMS are not passed on; the supervisor always uses its fixed
// HandshakeTimeout (2s) and BackoffCap (30s).
type TimeoutsConfig struct {
	HandshakeMS        int `yaml:"handshake_ms"`
	SocketAppearMS     int `yaml:"socket_appear_ms"`
	HTTPForwardMS      int `yaml:"http_forward_ms"`
	ShutdownGraceMS    int `yaml:"shutdown_grace_ms"`
	BackoffCapMS       int `yaml:"backoff_cap_ms"`
}

// Load reads and parses a YAML config file, applying documented defaults
// to any absent field (spec.md §6: "Absent keys default to documented
// values").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.path = path
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = "./plugins"
	}
	if c.Plugins.DataDir == "" {
		c.Plugins.DataDir = "./data"
	}
	if c.Timeouts.HandshakeMS == 0 {
		c.Timeouts.HandshakeMS = 2000
	}
	if c.Timeouts.SocketAppearMS == 0 {
		c.Timeouts.SocketAppearMS = 5000
	}
	if c.Timeouts.HTTPForwardMS == 0 {
		c.Timeouts.HTTPForwardMS = 30000
	}
	if c.Timeouts.ShutdownGraceMS == 0 {
		c.Timeouts.ShutdownGraceMS = 3000
	}
	if c.Timeouts.BackoffCapMS == 0 {
		c.Timeouts.BackoffCapMS = 30000
	}
}

// HandshakeTimeout returns the configured handshake deadline as a Duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Timeouts.HandshakeMS) * time.Millisecond
}

// SocketAppearTimeout returns the configured socket-appearance deadline.
func (c *Config) SocketAppearTimeout() time.Duration {
	return time.Duration(c.Timeouts.SocketAppearMS) * time.Millisecond
}

// HTTPForwardTimeout returns the configured HTTP-forward deadline.
func (c *Config) HTTPForwardTimeout() time.Duration {
	return time.Duration(c.Timeouts.HTTPForwardMS) * time.Millisecond
}

// ShutdownGrace returns the configured graceful-shutdown window.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Timeouts.ShutdownGraceMS) * time.Millisecond
}

// BackoffCap returns the configured maximum restart delay.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Timeouts.BackoffCapMS) * time.Millisecond
}

// Save persists the configuration back to its source path.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{Listen: c.Listen, Plugins: c.Plugins, Timeouts: c.Timeouts}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	header := "# toru-hostd configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmpPath, err)
	}
	return os.Rename(tmpPath, c.path)
}

// Watch starts an fsnotify watch on the config file, reloading and firing
// OnChange callbacks on every write event, each after a 100ms delay
// (matching the teacher's Watch/reload idiom).
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers fn to run after every successful hot-reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("config: reload failed", "error", err)
		return
	}

	c.mu.Lock()
	c.Listen = newCfg.Listen
	c.Plugins = newCfg.Plugins
	c.Timeouts = newCfg.Timeouts
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("config reloaded")
	for _, fn := range watchers {
		fn(c)
	}
}

// Path returns the file path this config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}
