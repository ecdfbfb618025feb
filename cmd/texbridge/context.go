package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"texbridge/internal/config"
	"texbridge/internal/ipc"
)

type commandContext struct {
	configFlag   *string
	portFlag     *int
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, portFlag *int, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		portFlag:     portFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads the configuration once. Extra overrides apply only to
// the first call.
func (c *commandContext) ensureConfig(extra ...config.Override) (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		overrides := make([]config.Override, 0, len(extra)+2)
		if c.portFlag != nil {
			overrides = append(overrides, config.WithPort(*c.portFlag))
		}
		if c.logLevelFlag != nil {
			overrides = append(overrides, config.WithLogLevel(*c.logLevelFlag))
		}
		overrides = append(overrides, extra...)
		cfg, _, _, err := config.Load(path, overrides...)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	client, err := c.dialClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func (c *commandContext) dialClient() (*ipc.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	socket := cfg.IPCSocketPath()
	client, err := ipc.Dial(socket)
	if err != nil {
		return nil, wrapDialError(err, socket, cfg.Bridge.Port)
	}
	return client, nil
}

func wrapDialError(err error, socket string, port int) error {
	switch {
	case errors.Is(err, syscall.ENOENT) || os.IsNotExist(err):
		return fmt.Errorf("connect to bridge: socket %s not found; start it with `texbridge run --port %d`", socket, port)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connect to bridge: socket %s refused the connection; verify the bridge is running", socket)
	default:
		return fmt.Errorf("connect to bridge: %w", err)
	}
}

func onOff(value bool) string {
	if value {
		return "on"
	}
	return "off"
}
