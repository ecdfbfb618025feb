package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// ErrConfiguration marks errors that must stop the process before the
// pipeline starts.
var ErrConfiguration = errors.New("configuration error")

// Bridge selects the endpoints and the ordering policy of the handoff pipeline.
type Bridge struct {
	Port       int    `toml:"port"`
	Host       string `toml:"host"`
	SocketBase string `toml:"socket_base"`
	StreamID   string `toml:"stream_id"`
	Policy     string `toml:"policy"`
	Redact     bool   `toml:"redact"`
	Token      string `toml:"token"`
	AwaitAck   bool   `toml:"await_ack"`
}

// Queue bounds the per-channel task queues.
type Queue struct {
	MaxDepth       int    `toml:"max_depth"`
	DropPolicy     string `toml:"drop_policy"`
	MaxFramesAhead int    `toml:"max_frames_ahead"`
}

// Timeouts bounds every channel operation, in milliseconds.
type Timeouts struct {
	Connect    int `toml:"connect_ms"`
	Descriptor int `toml:"descriptor_ms"`
	Reply      int `toml:"reply_ms"`
	Reconnect  int `toml:"reconnect_ms"`
}

// Stats configures the windowed aggregator and its optional history.
type Stats struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	HistoryEnabled  bool   `toml:"history_enabled"`
	HistoryPath     string `toml:"history_path"`
	HistoryKeep     int    `toml:"history_keep"`
}

// Source configures the synthetic frame producer used when no renderer is attached.
type Source struct {
	Enabled    bool   `toml:"enabled"`
	Width      int    `toml:"width"`
	Height     int    `toml:"height"`
	FPS        int    `toml:"fps"`
	Format     string `toml:"format"`
	EmptyEvery int    `toml:"empty_every"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Paths contains directories used for runtime state.
type Paths struct {
	StateDir string `toml:"state_dir"`
}

// Config encapsulates all configuration values for texbridge.
//
// Configuration sections:
//   - Bridge: port, endpoints, ordering policy, redaction
//   - Queue: per-channel depth bound and drop policy
//   - Timeouts: connect/descriptor/reply bounds
//   - Stats: reporting window and history persistence
//   - Source: synthetic producer
//   - Logging: log format and level
//   - Paths: runtime state directory (lock, IPC socket, history)
type Config struct {
	Bridge   Bridge   `toml:"bridge"`
	Queue    Queue    `toml:"queue"`
	Timeouts Timeouts `toml:"timeouts"`
	Stats    Stats    `toml:"stats"`
	Source   Source   `toml:"source"`
	Logging  Logging  `toml:"logging"`
	Paths    Paths    `toml:"paths"`
}

// Override mutates a freshly decoded config before normalization and
// validation. Command-line flags are applied this way.
type Override func(*Config)

// WithPort forces the bridge port when value is non-zero.
func WithPort(value int) Override {
	return func(c *Config) {
		if value != 0 {
			c.Bridge.Port = value
		}
	}
}

// WithPolicy forces the ordering policy when value is non-empty.
func WithPolicy(value string) Override {
	return func(c *Config) {
		if strings.TrimSpace(value) != "" {
			c.Bridge.Policy = value
		}
	}
}

// WithLogLevel forces the log level when value is non-empty.
func WithLogLevel(value string) Override {
	return func(c *Config) {
		if strings.TrimSpace(value) != "" {
			c.Logging.Level = value
		}
	}
}

// WithSource toggles the synthetic producer.
func WithSource(enabled bool) Override {
	return func(c *Config) {
		if enabled {
			c.Source.Enabled = true
		}
	}
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/texbridge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string, overrides ...Override) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("%w: parse config: %w", ErrConfiguration, err)
		}
	}

	for _, override := range overrides {
		if override != nil {
			override(&cfg)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("texbridge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state directory and the local socket namespace.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.SocketNamespace()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Stats.HistoryEnabled {
		if err := os.MkdirAll(filepath.Dir(c.Stats.HistoryPath), 0o755); err != nil {
			return fmt.Errorf("create history directory: %w", err)
		}
	}
	return nil
}

// MetadataEndpoint returns the host:port of the metadata consumer.
func (c *Config) MetadataEndpoint() string {
	return net.JoinHostPort(c.Bridge.Host, strconv.Itoa(c.Bridge.Port))
}

// SocketNamespace returns the directory holding descriptor sockets for this port.
func (c *Config) SocketNamespace() string {
	return filepath.Join(c.Bridge.SocketBase, fmt.Sprintf("texbridge-%d", c.Bridge.Port))
}

// DescriptorEndpoint returns the socket path the descriptor receiver listens on.
func (c *Config) DescriptorEndpoint() string {
	return filepath.Join(c.SocketNamespace(), c.Bridge.StreamID+".sock")
}

// IPCSocketPath returns the status socket path of the running bridge.
func (c *Config) IPCSocketPath() string {
	return filepath.Join(c.Paths.StateDir, fmt.Sprintf("texbridge-%d.sock", c.Bridge.Port))
}

// LockPath returns the single-instance lock file for this port.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, fmt.Sprintf("texbridge-%d.lock", c.Bridge.Port))
}

// ConnectTimeout returns the metadata connect bound.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.Connect) * time.Millisecond
}

// DescriptorTimeout returns the descriptor transfer bound.
func (c *Config) DescriptorTimeout() time.Duration {
	return time.Duration(c.Timeouts.Descriptor) * time.Millisecond
}

// ReplyTimeout returns the metadata reply bound.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.Timeouts.Reply) * time.Millisecond
}

// ReconnectInterval returns the pause between metadata reconnect attempts.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Timeouts.Reconnect) * time.Millisecond
}

// StatsInterval returns the stats reporting window.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Stats.IntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultSocketBase() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return base
	}
	return os.TempDir()
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
