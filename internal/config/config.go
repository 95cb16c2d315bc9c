// Package config loads and hot-reloads the gateway's YAML configuration,
// grounded in the teacher's internal/config/yaml_config.go and cmd/bd's
// viper.New/SetConfigFile/ReadInConfig pattern (cmd/bd/config.go). Unlike
// the teacher's per-key yaml regex surgery (writing individual keys back
// into a hand-edited config.yaml), this package only reads: the gateway's
// configuration is operator-edited, not mutated by the daemon itself.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Server holds the listen addresses for the externally reachable
// transports, per spec §4.6.
type Server struct {
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`
	WSAddr   string `yaml:"ws_addr" mapstructure:"ws_addr"`
}

// Backend holds the Unix-socket dial parameters for the backend connection
// state machine, per spec §4.4.
type Backend struct {
	SocketPath   string        `yaml:"socket_path" mapstructure:"socket_path"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// Agent holds the listen path for the agent Unix-domain-socket transport,
// per spec §4.6.
type Agent struct {
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path"`
}

// MQTT holds the broker connection parameters for the MQTT transport, per
// spec §4.6 and original_source/moonraker/components/mqtt.py.
type MQTT struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers      []string `yaml:"brokers" mapstructure:"brokers"`
	ClientID     string   `yaml:"client_id" mapstructure:"client_id"`
	Username     string   `yaml:"username" mapstructure:"username"`
	Password     string   `yaml:"password" mapstructure:"password"`
	InstanceName string   `yaml:"instance_name" mapstructure:"instance_name"`
	DefaultQoS   byte     `yaml:"default_qos" mapstructure:"default_qos"`
	APIQoS       byte     `yaml:"api_qos" mapstructure:"api_qos"`
}

// Store holds the persistence engine's database path, per spec §4.1.
type Store struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Logging configures internal/logging's slog handler.
type Logging struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text, json
}

// Debug is the optional TOML overlay for debug-only endpoints, per
// SPEC_FULL.md's domain stack ("Alternate structured config section
// (debug/dev overlay)"). It is loaded from a separate file, not merged
// into the YAML tree, since it uses BurntSushi/toml rather than viper.
type Debug struct {
	Enabled    bool     `toml:"enabled"`
	AllowHosts []string `toml:"allow_hosts"`
}

// Config is the gateway's full configuration tree.
type Config struct {
	Server  Server  `yaml:"server" mapstructure:"server"`
	Backend Backend `yaml:"backend" mapstructure:"backend"`
	Agent   Agent   `yaml:"agent" mapstructure:"agent"`
	MQTT    MQTT    `yaml:"mqtt" mapstructure:"mqtt"`
	Store   Store   `yaml:"store" mapstructure:"store"`
	Logging Logging `yaml:"logging" mapstructure:"logging"`
}

func defaults() Config {
	return Config{
		Server:  Server{HTTPAddr: ":7125", WSAddr: ":7125"},
		Backend: Backend{SocketPath: "/tmp/klippy_uds", PollInterval: time.Second},
		Agent:   Agent{SocketPath: "/tmp/moonraker-sub000.sock"},
		MQTT:    MQTT{DefaultQoS: 1, APIQoS: 1, InstanceName: "moonraker-sub000"},
		Store:   Store{Path: "/var/lib/moonraker-sub000/database.db"},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Watcher loads a Config from a YAML file with spf13/viper and watches it
// for changes with fsnotify (via viper.WatchConfig), re-reading the
// allowed hot-reload fields (log level/format, MQTT credentials) in place
// without restarting the daemon, per SPEC_FULL.md's Ambient Stack
// configuration section.
type Watcher struct {
	v      *viper.Viper
	logger *slog.Logger

	mu  sync.RWMutex
	cur Config

	onChange []func(Config)
}

// Load reads path (YAML) into a Watcher, applying defaults for any unset
// field via viper's SetDefault, matching cmd/bd/config.go's
// viper.New/SetConfigFile/ReadInConfig shape.
func Load(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	applyDefaults(v, defaults())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	w := &Watcher{v: v, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.ws_addr", d.Server.WSAddr)
	v.SetDefault("backend.socket_path", d.Backend.SocketPath)
	v.SetDefault("backend.poll_interval", d.Backend.PollInterval)
	v.SetDefault("agent.socket_path", d.Agent.SocketPath)
	v.SetDefault("mqtt.default_qos", d.MQTT.DefaultQoS)
	v.SetDefault("mqtt.api_qos", d.MQTT.APIQoS)
	v.SetDefault("mqtt.instance_name", d.MQTT.InstanceName)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

func (w *Watcher) reload() error {
	var cfg Config
	if err := w.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	w.mu.Lock()
	w.cur = cfg
	w.mu.Unlock()
	return nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// OnChange registers fn to be called, with the freshly reloaded Config,
// whenever the watched file changes. fn is never called concurrently with
// itself.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Watch starts viper's fsnotify-backed file watch. Changes are re-read
// into Current and fanned out to registered OnChange callbacks. Only the
// hot-reloadable fields (logging, MQTT credentials) are meant to be acted
// on by callers; Backend/Agent/Store socket and DB paths require a
// restart to take effect even though they're re-read here.
func (w *Watcher) Watch() {
	w.v.OnConfigChange(func(_ fsnotify.Event) {
		if err := w.reload(); err != nil {
			w.logger.Warn("config: failed to reload after file change", "error", err)
			return
		}
		cfg := w.Current()
		w.mu.RLock()
		callbacks := append([]func(Config){}, w.onChange...)
		w.mu.RUnlock()
		for _, cb := range callbacks {
			cb(cfg)
		}
	})
	w.v.WatchConfig()
}

// LoadDebugOverlay reads an optional debug.toml overlay, per
// SPEC_FULL.md's "Alternate structured config section (debug/dev
// overlay)." An empty path is not an error and yields a zero Debug: the
// debug overlay is opt-in. A non-empty path naming a file that does not
// exist is an error.
func LoadDebugOverlay(path string) (Debug, error) {
	var d Debug
	if path == "" {
		return d, nil
	}
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return d, fmt.Errorf("config: reading debug overlay %s: %w", path, err)
	}
	return d, nil
}

// MarshalYAML renders cfg back to YAML, used by the `config check`
// CLI subcommand to print the fully-defaulted configuration.
func MarshalYAML(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
