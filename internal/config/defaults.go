package config

const (
	defaultHost             = "127.0.0.1"
	defaultStreamID         = "0"
	defaultPolicy           = PolicySplitStrict
	defaultRedact           = true
	defaultQueueDepth       = 8
	defaultDropPolicy       = DropOldest
	defaultMaxFramesAhead   = 16
	defaultConnectMillis    = 1000
	defaultDescriptorMillis = 500
	defaultReplyMillis      = 1000
	defaultReconnectMillis  = 500
	defaultStatsInterval    = 3
	defaultHistoryKeep      = 2000
	defaultSourceWidth      = 1920
	defaultSourceHeight     = 1080
	defaultSourceFPS        = 60
	defaultSourceFormat     = "bgra"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultStateDir         = "~/.local/state/texbridge"
	defaultHistoryFileName  = "history.db"
	defaultEnvPortVar       = "TEXBRIDGE_PORT"
)

// Ordering policy names accepted in bridge.policy.
const (
	PolicyCombined       = "combined"
	PolicySplitStrict    = "split-strict"
	PolicyProbeThenSplit = "probe-then-split"
)

// Drop policy names accepted in queue.drop_policy.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// Default returns a Config populated with repository defaults. The port is
// intentionally left unset: it must come from the file, the environment, or a flag.
func Default() Config {
	return Config{
		Bridge: Bridge{
			Host:       defaultHost,
			SocketBase: defaultSocketBase(),
			StreamID:   defaultStreamID,
			Policy:     defaultPolicy,
			Redact:     defaultRedact,
		},
		Queue: Queue{
			MaxDepth:       defaultQueueDepth,
			DropPolicy:     defaultDropPolicy,
			MaxFramesAhead: defaultMaxFramesAhead,
		},
		Timeouts: Timeouts{
			Connect:    defaultConnectMillis,
			Descriptor: defaultDescriptorMillis,
			Reply:      defaultReplyMillis,
			Reconnect:  defaultReconnectMillis,
		},
		Stats: Stats{
			IntervalSeconds: defaultStatsInterval,
			HistoryKeep:     defaultHistoryKeep,
		},
		Source: Source{
			Width:  defaultSourceWidth,
			Height: defaultSourceHeight,
			FPS:    defaultSourceFPS,
			Format: defaultSourceFormat,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Paths: Paths{
			StateDir: defaultStateDir,
		},
	}
}
