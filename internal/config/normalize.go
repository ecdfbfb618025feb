package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeBridge(); err != nil {
		return err
	}
	c.normalizeQueue()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSource()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeBridge() error {
	if c.Bridge.Port == 0 {
		if value, ok := os.LookupEnv(defaultEnvPortVar); ok && strings.TrimSpace(value) != "" {
			port, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("%w: %s must be an integer, got %q", ErrConfiguration, defaultEnvPortVar, value)
			}
			c.Bridge.Port = port
		}
	}
	c.Bridge.Host = strings.TrimSpace(c.Bridge.Host)
	if c.Bridge.Host == "" {
		c.Bridge.Host = defaultHost
	}
	c.Bridge.StreamID = strings.TrimSpace(c.Bridge.StreamID)
	if c.Bridge.StreamID == "" {
		c.Bridge.StreamID = defaultStreamID
	}
	c.Bridge.Policy = strings.ToLower(strings.TrimSpace(c.Bridge.Policy))
	if c.Bridge.Policy == "" {
		c.Bridge.Policy = defaultPolicy
	}
	if strings.TrimSpace(c.Bridge.SocketBase) == "" {
		c.Bridge.SocketBase = defaultSocketBase()
	}
	var err error
	if c.Bridge.SocketBase, err = expandPath(c.Bridge.SocketBase); err != nil {
		return fmt.Errorf("bridge.socket_base: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() {
	c.Queue.DropPolicy = strings.ToLower(strings.TrimSpace(c.Queue.DropPolicy))
	if c.Queue.DropPolicy == "" {
		c.Queue.DropPolicy = defaultDropPolicy
	}
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Stats.HistoryPath) == "" {
		c.Stats.HistoryPath = filepath.Join(c.Paths.StateDir, defaultHistoryFileName)
	}
	if c.Stats.HistoryPath, err = expandPath(c.Stats.HistoryPath); err != nil {
		return fmt.Errorf("stats.history_path: %w", err)
	}
	if strings.TrimSpace(c.Logging.File) != "" {
		if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeSource() {
	c.Source.Format = strings.ToLower(strings.TrimSpace(c.Source.Format))
	if c.Source.Format == "" {
		c.Source.Format = defaultSourceFormat
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
