package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned for a dotted key that is not part of the config
var ErrUnknownKey = errors.New("unknown configuration key")

// Config represents the application configuration
type Config struct {
	Display    DisplayConfig `json:"display" yaml:"display"`
	Output     string        `json:"output" yaml:"output"`
	Capture    CaptureConfig `json:"capture" yaml:"capture"`
	Host       HostConfig    `json:"host" yaml:"host"`
	Preview    PreviewConfig `json:"preview" yaml:"preview"`
	ServerPort int           `json:"server_port" yaml:"server_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level"`
}

// DisplayConfig selects the display server to capture from
type DisplayConfig struct {
	// Backend is auto, wayland or x11
	Backend string `json:"backend" yaml:"backend"`
	// Name overrides $WAYLAND_DISPLAY or $DISPLAY
	Name string `json:"name" yaml:"name"`
}

// CaptureConfig tunes the capture pipeline
type CaptureConfig struct {
	OverlayCursor bool          `json:"overlay_cursor" yaml:"overlay_cursor"`
	CycleTimeout  time.Duration `json:"cycle_timeout" yaml:"cycle_timeout"`
	FrameWait     time.Duration `json:"frame_wait" yaml:"frame_wait"`
	SyncTimeout   time.Duration `json:"sync_timeout" yaml:"sync_timeout"`
}

// HostConfig configures the render loop
type HostConfig struct {
	FPS int `json:"fps" yaml:"fps"`
}

// PreviewConfig configures the MJPEG preview
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Quality int  `json:"quality" yaml:"quality"`
	// Overlay draws pipeline stats over the preview
	Overlay bool `json:"overlay" yaml:"overlay"`
	// Window also presents frames in a local X11 window
	Window       bool `json:"window" yaml:"window"`
	WindowWidth  int  `json:"window_width" yaml:"window_width"`
	WindowHeight int  `json:"window_height" yaml:"window_height"`
}

type keyKind int

const (
	kindString keyKind = iota
	kindInt
	kindBool
	kindDuration
)

var keys = map[string]keyKind{
	"display.backend":        kindString,
	"display.name":           kindString,
	"output":                 kindString,
	"capture.overlay_cursor": kindBool,
	"capture.cycle_timeout":  kindDuration,
	"capture.frame_wait":     kindDuration,
	"capture.sync_timeout":   kindDuration,
	"host.fps":               kindInt,
	"preview.enabled":        kindBool,
	"preview.quality":        kindInt,
	"preview.overlay":        kindBool,
	"preview.window":         kindBool,
	"preview.window_width":   kindInt,
	"preview.window_height":  kindInt,
	"server_port":            kindInt,
	"log_level":              kindString,
}

// Keys lists the settable dotted keys
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch strings.ToLower(c.Display.Backend) {
	case "", "auto", "wayland", "x11":
	default:
		return fmt.Errorf("invalid display.backend %q (use: auto, wayland, x11)", c.Display.Backend)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q (use: debug, info, warn, error)", c.LogLevel)
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	if c.Host.FPS < 1 || c.Host.FPS > 240 {
		return fmt.Errorf("invalid host.fps %d (1-240)", c.Host.FPS)
	}
	if c.Preview.Quality < 1 || c.Preview.Quality > 100 {
		return fmt.Errorf("invalid preview.quality %d (1-100)", c.Preview.Quality)
	}
	if c.Preview.WindowWidth < 1 || c.Preview.WindowHeight < 1 || c.Preview.WindowWidth > 8192 || c.Preview.WindowHeight > 8192 {
		return fmt.Errorf("invalid preview window size %dx%d", c.Preview.WindowWidth, c.Preview.WindowHeight)
	}
	if c.Capture.CycleTimeout < 0 || c.Capture.FrameWait < 0 || c.Capture.SyncTimeout < 0 {
		return errors.New("capture timeouts must not be negative")
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex

	viper   *viper.Viper
	watchMu sync.Mutex
	watched bool
}

// DefaultPath returns $HOME/.config/outputstreamer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "outputstreamer", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile uses
// DefaultPath; a missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
		viper:      viper.New(),
	}
	m.viper.SetConfigFile(actualConfigPath)
	m.viper.SetConfigType("yaml")

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	log := logger.WithComponent("config")
	log.Info().
		Str("path", m.configPath).
		Str("backend", m.config.Display.Backend).
		Str("output", m.config.Output).
		Msg("Config loaded")
	if e := log.Debug(); e.Enabled() {
		e.Msg(spew.Sdump(m.config))
	}

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Display: DisplayConfig{
			Backend: "auto",
		},
		Capture: CaptureConfig{
			OverlayCursor: true,
			CycleTimeout:  2 * time.Second,
			FrameWait:     10 * time.Millisecond,
			SyncTimeout:   2 * time.Second,
		},
		Host: HostConfig{
			FPS: 30,
		},
		Preview: PreviewConfig{
			Enabled:      true,
			Quality:      80,
			Overlay:      false,
			Window:       false,
			WindowWidth:  960,
			WindowHeight: 540,
		},
		ServerPort: 8080,
		LogLevel:   "info",
	}
}

// load reads the configuration from disk. Keys absent from the file keep
// their defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Reload re-reads the file
func (m *Manager) Reload() error {
	return m.load()
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()
	log := logger.WithComponent("config")

	log.Debug().
		Str("path", m.configPath).
		Str("output", cfg.Output).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	log.Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	m.mu.Lock()
	m.config = &c
	m.mu.Unlock()
	return m.Save()
}

// SetOutput persists the selected output name
func (m *Manager) SetOutput(name string) error {
	m.mu.Lock()
	m.config.Output = name
	m.mu.Unlock()
	return m.Save()
}

// GetOutput returns the persisted output name
func (m *Manager) GetOutput() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Output
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetViper returns a viper instance loaded from the config file
func (m *Manager) GetViper() (*viper.Viper, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return m.viper, nil
}

// GetKey returns the value of a dotted key
func (m *Manager) GetKey(key string) (interface{}, error) {
	key = strings.ToLower(key)
	if _, ok := keys[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v, err := m.GetViper()
	if err != nil {
		return nil, err
	}
	if !v.IsSet(key) {
		// Written before the key existed; report the default
		d := viper.New()
		d.SetConfigType("yaml")
		data, _ := yaml.Marshal(Defaults())
		if err := d.ReadConfig(strings.NewReader(string(data))); err != nil {
			return nil, err
		}
		return d.Get(key), nil
	}
	return v.Get(key), nil
}

// SetKey parses value for the type of key, validates the resulting config and
// saves it
func (m *Manager) SetKey(key, value string) error {
	key = strings.ToLower(key)
	kind, ok := keys[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	v, err := m.GetViper()
	if err != nil {
		return err
	}

	switch kind {
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %s", key, value)
		}
		v.Set(key, n)
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %s (use: true or false)", key, value)
		}
		v.Set(key, b)
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %s", key, value)
		}
		v.Set(key, d.String())
	default:
		v.Set(key, value)
	}

	cfg, err := decode(v.AllSettings())
	if err != nil {
		return err
	}
	return m.Update(cfg)
}

// decode maps viper's nested settings onto a Config, keeping defaults for
// absent keys
func decode(settings map[string]interface{}) (*Config, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file changes and calls fn with
// the new copy. Invalid edits are logged and ignored. Only the first call
// starts the watcher.
func (m *Manager) Watch(fn func(*Config)) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watched {
		return errors.New("config is already watched")
	}
	if _, err := m.GetViper(); err != nil {
		return err
	}

	log := logger.WithComponent("config")
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.Reload(); err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring config change")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		fn(m.Get())
	})
	m.viper.WatchConfig()
	m.watched = true
	return nil
}
