package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"texbridge/internal/config"
	"texbridge/internal/fdpass"
	"texbridge/internal/frame"
	"texbridge/internal/handoff"
	"texbridge/internal/history"
	"texbridge/internal/ipc"
	"texbridge/internal/logging"
	"texbridge/internal/metadata"
	"texbridge/internal/preflight"
	"texbridge/internal/source"
	"texbridge/internal/stats"
	"texbridge/internal/taskqueue"
)

// ErrAlreadyRunning is returned when another bridge holds the port's lock.
var ErrAlreadyRunning = errors.New("another texbridge instance is already running on this port")

const (
	historyWriteTimeout = 2 * time.Second
	historyPruneEvery   = 100
)

// Options configures process runtime behavior.
type Options struct {
	// Logger replaces the logger built from the configuration.
	Logger *slog.Logger
	// SessionID replaces the generated session id.
	SessionID string
	// DisableIPC skips the status socket.
	DisableIPC bool
}

// Bridge is one running handoff pipeline.
type Bridge struct {
	cfg       *config.Config
	logger    *slog.Logger
	sessionID string
	startedAt time.Time

	lock        *flock.Flock
	sender      *fdpass.Sender
	channel     *metadata.Channel
	coordinator *handoff.Coordinator
	aggregator  *stats.Aggregator
	store       *history.Store
	ipcServer   *ipc.Server
	source      *source.Synthetic

	appends int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Run starts a bridge and blocks until ctx is canceled, a termination signal
// arrives, or a client requests a stop over IPC.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := New(signalCtx, cfg, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	b.Start()
	<-b.Done()
	b.logger.Info("texbridge shutting down",
		logging.String(logging.FieldEventType, "bridge_stop"))
	return nil
}

// New acquires the port lock and builds every component. Nothing runs until
// Start; frames may be submitted as soon as New returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	policy, err := handoff.ParsePolicy(cfg.Bridge.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	drop, err := taskqueue.ParseDropPolicy(cfg.Queue.DropPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.NewFromConfig(cfg, sessionID)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, cfg.LockPath())
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "bridge"),
		sessionID: sessionID,
		startedAt: time.Now(),
		lock:      lock,
		ctx:       runCtx,
		cancel:    cancel,
	}

	if cfg.Stats.HistoryEnabled {
		store, err := history.Open(cfg.Stats.HistoryPath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		b.store = store
	}

	b.sender = fdpass.NewSender(fdpass.Options{
		Timeout:  cfg.DescriptorTimeout(),
		AwaitAck: cfg.Bridge.AwaitAck,
		Logger:   logger,
	})
	b.channel = metadata.New(runCtx, metadata.Options{
		Endpoint:          cfg.MetadataEndpoint(),
		ConnectTimeout:    cfg.ConnectTimeout(),
		ReplyTimeout:      cfg.ReplyTimeout(),
		ReconnectInterval: cfg.ReconnectInterval(),
		Logger:            logger,
	})
	b.aggregator = stats.New(stats.Options{
		Interval: cfg.StatsInterval(),
		Peers:    b.channel.PeerCount,
		OnReport: b.persist,
		Logger:   logger,
	})
	b.coordinator = handoff.New(handoff.Deps{
		Descriptors: b.sender,
		Metadata:    b.channel,
		Stats:       b.aggregator,
		Logger:      logger,
	}, handoff.Options{
		Policy:         policy,
		Endpoint:       cfg.DescriptorEndpoint(),
		Token:          []byte(cfg.Bridge.Token),
		Redact:         cfg.Bridge.Redact,
		QueueDepth:     cfg.Queue.MaxDepth,
		Drop:           drop,
		MaxFramesAhead: cfg.Queue.MaxFramesAhead,
	})

	if cfg.Source.Enabled {
		src, err := source.New(cfg.Source, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
		b.source = src
	}

	if !opts.DisableIPC {
		srv, err := ipc.NewServer(runCtx, cfg.IPCSocketPath(), b, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("start IPC server: %w", err)
		}
		b.ipcServer = srv
	}
	return b, nil
}

// Start launches the stats loop, the IPC server and the synthetic source.
func (b *Bridge) Start() {
	if b.ipcServer != nil {
		b.ipcServer.Serve()
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.aggregator.Run(b.ctx)
	}()
	if b.source != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = b.source.Run(b.ctx, func(f *frame.Frame) {
				b.coordinator.Submit(b.ctx, f)
			})
		}()
	}
	b.logger.Info("texbridge started",
		logging.String(logging.FieldEventType, "bridge_start"),
		logging.String(logging.FieldPolicy, b.coordinator.Policy().String()),
		logging.String("descriptor_endpoint", b.cfg.DescriptorEndpoint()),
		logging.String("metadata_endpoint", b.cfg.MetadataEndpoint()),
		logging.Bool("redact", b.cfg.Bridge.Redact),
		logging.Bool("source", b.source != nil),
		logging.String("lock", b.cfg.LockPath()),
	)
	for _, result := range preflight.Failed(preflight.RunAll(b.ctx, b.cfg)) {
		logging.WarnWithContext(b.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldImpact, "handoff may fail until the check passes"),
			logging.String(logging.FieldErrorHint, "run texbridge check for details"))
	}
}

// Submit hands f to the coordinator without waiting for delivery.
func (b *Bridge) Submit(f *frame.Frame) bool {
	return b.coordinator.Submit(b.ctx, f)
}

// Handle runs f through the pipeline and waits for its outcome.
func (b *Bridge) Handle(ctx context.Context, f *frame.Frame) handoff.Outcome {
	return b.coordinator.Handle(ctx, f)
}

// Done is closed once the bridge has been asked to stop.
func (b *Bridge) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Stop asks the bridge to shut down. Close performs the teardown.
func (b *Bridge) Stop() {
	b.cancel()
}

// ResetPeers drops the metadata connection and returns how many peers were registered.
func (b *Bridge) ResetPeers() int {
	count := b.channel.PeerCount()
	b.channel.ResetPeers()
	return count
}

// SessionID returns the id attached to every log line of this run.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Status reports the runtime state served over IPC.
func (b *Bridge) Status(context.Context) ipc.StatusResponse {
	resp := ipc.StatusResponse{
		Running:            b.ctx.Err() == nil,
		PID:                os.Getpid(),
		SessionID:          b.sessionID,
		StartedAt:          b.startedAt,
		Port:               b.cfg.Bridge.Port,
		Policy:             b.coordinator.Policy().String(),
		Redact:             b.cfg.Bridge.Redact,
		DescriptorEndpoint: b.cfg.DescriptorEndpoint(),
		MetadataEndpoint:   b.cfg.MetadataEndpoint(),
		MetadataState:      b.channel.State().String(),
		Peers:              b.channel.Peers(),
		InFlight:           b.coordinator.InFlight(),
		Totals:             b.coordinator.Totals(),
		Queues:             b.coordinator.QueueStats(),
		SkippedWindows:     b.aggregator.Skipped(),
		SourceEnabled:      b.source != nil,
		LockPath:           b.cfg.LockPath(),
	}
	if report, ok := b.aggregator.Last(); ok {
		resp.LastReport = &report
	}
	if b.store != nil {
		resp.HistoryPath = b.store.Path()
	}
	return resp
}

// Close stops every component in reverse dependency order and releases the lock.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.cancel()
		b.wg.Wait()
		if b.coordinator != nil {
			b.coordinator.Close()
		}
		if b.aggregator != nil {
			if report, ok := b.aggregator.Flush(); ok && report.Frames > 0 {
				b.persist(report)
			}
		}
		if b.channel != nil {
			_ = b.channel.Close()
		}
		if b.ipcServer != nil {
			b.ipcServer.Close()
		}
		if b.store != nil {
			_ = b.store.Close()
		}
		if b.lock != nil {
			if err := b.lock.Unlock(); err != nil {
				logging.WarnWithContext(b.logger, "failed to release lock", "lock_release_failed",
					logging.Error(err),
					logging.String("lock", b.cfg.LockPath()),
					logging.String(logging.FieldImpact, "next start on this port may report a running instance"),
					logging.String(logging.FieldErrorHint, "remove the lock file if no bridge is running"))
			}
		}
	})
}

// persist appends a window to history, pruning periodically. Called from the
// stats loop and once more from Close.
func (b *Bridge) persist(report stats.Report) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := b.store.Append(ctx, b.sessionID, b.coordinator.Policy().String(), report); err != nil {
		logging.WarnWithContext(b.logger, "history append failed", "history_append_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stats window missing from history"),
			logging.String(logging.FieldErrorHint, "check the history database path and disk space"))
		return
	}
	b.appends++
	if b.appends%historyPruneEvery != 0 || b.cfg.Stats.HistoryKeep <= 0 {
		return
	}
	if removed, err := b.store.Prune(ctx, b.cfg.Stats.HistoryKeep); err != nil {
		b.logger.Debug("history prune failed", logging.Error(err))
	} else if removed > 0 {
		b.logger.Debug("history pruned", logging.Int64("removed", removed))
	}
}
