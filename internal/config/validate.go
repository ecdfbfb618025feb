package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validate ensures the configuration is usable. Every returned error wraps
// ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.validateBridge(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateStats(); err != nil {
		return err
	}
	if err := c.validateSource(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateBridge() error {
	if c.Bridge.Port == 0 {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/texbridge/config.toml"
		}
		return fmt.Errorf("%w: bridge.port is required. Pass --port, set %s, or edit %s (create with 'texbridge config init')",
			ErrConfiguration, defaultEnvPortVar, defaultPath)
	}
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		return fmt.Errorf("%w: bridge.port must be between 1 and 65535, got %d", ErrConfiguration, c.Bridge.Port)
	}
	switch c.Bridge.Policy {
	case PolicyCombined, PolicySplitStrict, PolicyProbeThenSplit:
	default:
		return fmt.Errorf("%w: bridge.policy must be one of %s, %s, %s (got %q)",
			ErrConfiguration, PolicyCombined, PolicySplitStrict, PolicyProbeThenSplit, c.Bridge.Policy)
	}
	if strings.ContainsAny(c.Bridge.StreamID, `/\`) {
		return fmt.Errorf("%w: bridge.stream_id must not contain path separators", ErrConfiguration)
	}
	if c.Bridge.Policy != PolicyCombined && len(c.Bridge.Token) > 255 {
		return fmt.Errorf("%w: bridge.token must be at most 255 bytes", ErrConfiguration)
	}
	// sockaddr_un.sun_path is 108 bytes including the terminator.
	if n := len(c.DescriptorEndpoint()); n >= 108 {
		return fmt.Errorf("%w: descriptor socket path %q is %d bytes; shorten bridge.socket_base or bridge.stream_id",
			ErrConfiguration, c.DescriptorEndpoint(), n)
	}
	if !filepath.IsAbs(c.Bridge.SocketBase) {
		return fmt.Errorf("%w: bridge.socket_base must be absolute", ErrConfiguration)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("%w: queue.max_depth must be positive", ErrConfiguration)
	}
	if c.Queue.MaxFramesAhead <= 0 {
		return fmt.Errorf("%w: queue.max_frames_ahead must be positive", ErrConfiguration)
	}
	switch c.Queue.DropPolicy {
	case DropOldest, DropNewest:
	default:
		return fmt.Errorf("%w: queue.drop_policy must be %q or %q (got %q)",
			ErrConfiguration, DropOldest, DropNewest, c.Queue.DropPolicy)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	checks := []struct {
		name  string
		value int
	}{
		{"timeouts.connect_ms", c.Timeouts.Connect},
		{"timeouts.descriptor_ms", c.Timeouts.Descriptor},
		{"timeouts.reply_ms", c.Timeouts.Reply},
		{"timeouts.reconnect_ms", c.Timeouts.Reconnect},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfiguration, check.name)
		}
	}
	return nil
}

func (c *Config) validateStats() error {
	if c.Stats.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: stats.interval_seconds must be positive", ErrConfiguration)
	}
	if c.Stats.HistoryKeep < 0 {
		return fmt.Errorf("%w: stats.history_keep must be zero or positive", ErrConfiguration)
	}
	return nil
}

func (c *Config) validateSource() error {
	if !c.Source.Enabled {
		return nil
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		return fmt.Errorf("%w: source.width and source.height must be positive", ErrConfiguration)
	}
	if c.Source.FPS <= 0 || c.Source.FPS > 1000 {
		return fmt.Errorf("%w: source.fps must be between 1 and 1000", ErrConfiguration)
	}
	if c.Source.EmptyEvery < 0 {
		return fmt.Errorf("%w: source.empty_every must be zero or positive", ErrConfiguration)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: logging.format must be console or json (got %q)", ErrConfiguration, c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level must be debug, info, warn, or error (got %q)", ErrConfiguration, c.Logging.Level)
	}
	return nil
}
