package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/paybridge/internal/consts"
	"github.com/codefionn/paybridge/internal/device/emulator"
	"github.com/codefionn/paybridge/internal/sequencing"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("config: invalid")

// Environment variables that override file settings
const (
	EnvLogLevel  = "PAYBRIDGE_LOG_LEVEL"
	EnvLogPath   = "PAYBRIDGE_LOG_PATH"
	EnvListen    = "PAYBRIDGE_LISTEN"
	EnvAuthToken = "PAYBRIDGE_AUTH_TOKEN"
)

// Config holds the bridge daemon configuration
type Config struct {
	ListenAddr      string           `json:"listen_addr" yaml:"listen_addr"`
	AuthToken       string           `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	LogLevel        string           `json:"log_level" yaml:"log_level"`
	LogPath         string           `json:"log_path" yaml:"log_path"`
	PIDFile         string           `json:"pid_file,omitempty" yaml:"pid_file,omitempty"`
	MaxContexts     int              `json:"max_contexts" yaml:"max_contexts"`
	MaxInflight     int              `json:"max_inflight" yaml:"max_inflight"`
	MaxMessageBytes int64            `json:"max_message_bytes" yaml:"max_message_bytes"`
	Sequencing      SequencingConfig `json:"sequencing" yaml:"sequencing"`
	Emulator        EmulatorConfig   `json:"emulator" yaml:"emulator"`
	Journal         JournalConfig    `json:"journal" yaml:"journal"`
	Metrics         MetricsConfig    `json:"metrics" yaml:"metrics"`
	Profiling       bool             `json:"profiling,omitempty" yaml:"profiling,omitempty"`
}

// SequencingConfig overrides the request transition table. Keys are
// current operations ("none", "initialize", ...), values the gated kinds
// allowed next.
type SequencingConfig struct {
	Transitions map[string][]string `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// EmulatorConfig configures the built-in terminal emulator
type EmulatorConfig struct {
	Devices     []emulator.Terminal `json:"devices,omitempty" yaml:"devices,omitempty"`
	DeclineOver int64               `json:"decline_over,omitempty" yaml:"decline_over,omitempty"`
	LatencyMS   int                 `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
}

// JournalConfig enables the SQLite transaction journal when Path is set
type JournalConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "paybridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "paybridge")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "paybridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "paybridge")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "paybridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "paybridge")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "paybridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "paybridge")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "paybridge")
	}
}

// DefaultConfig returns a configuration with default values. Logs go to
// stderr unless a log path is configured.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      consts.DefaultListenAddr,
		LogLevel:        "info",
		PIDFile:         filepath.Join(defaultStateDir(), "paybridge.pid"),
		MaxInflight:     consts.DefaultMaxInflight,
		MaxMessageBytes: consts.DefaultMaxMessageBytes,
		Metrics:         MetricsConfig{Enabled: true},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as
// JSON.
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if isYAML(path) {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// Ensure critical fields have defaults if still empty
	if config.ListenAddr == "" {
		config.ListenAddr = consts.DefaultListenAddr
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.MaxInflight == 0 {
		config.MaxInflight = consts.DefaultMaxInflight
	}
	if config.MaxMessageBytes == 0 {
		config.MaxMessageBytes = consts.DefaultMaxMessageBytes
	}

	return config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv overrides settings from environment variables looked up with
// getenv; pass os.Getenv in production
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(getenv(EnvListen)); v != "" {
		c.ListenAddr = v
	}
	if v := getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
}

// Validate checks limits and the transition table
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalid)
	}
	if c.MaxContexts < 0 {
		return fmt.Errorf("%w: max_contexts must not be negative", ErrInvalid)
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("%w: max_inflight must be at least 1", ErrInvalid)
	}
	if c.MaxMessageBytes < 512 {
		return fmt.Errorf("%w: max_message_bytes must be at least 512", ErrInvalid)
	}
	if c.Emulator.DeclineOver < 0 {
		return fmt.Errorf("%w: emulator.decline_over must not be negative", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Emulator.Devices))
	for _, d := range c.Emulator.Devices {
		if d.ID == "" {
			return fmt.Errorf("%w: emulator device without id", ErrInvalid)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate emulator device %q", ErrInvalid, d.ID)
		}
		seen[d.ID] = true
	}
	if _, err := c.Table(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Table returns the configured transition table, or the default table when
// none is configured
func (c *Config) Table() (sequencing.Table, error) {
	if len(c.Sequencing.Transitions) == 0 {
		return sequencing.DefaultTable(), nil
	}
	return sequencing.ParseTable(c.Sequencing.Transitions)
}

// Save writes the configuration as indented JSON, or YAML for .yaml/.yml
// paths
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
