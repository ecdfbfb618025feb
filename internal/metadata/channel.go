package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"
	"time"

	"texbridge/internal/logging"
)

// State is the lifecycle of the channel's connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Channel.
type Options struct {
	Endpoint          string
	ConnectTimeout    time.Duration
	ReplyTimeout      time.Duration
	ReconnectInterval time.Duration
	Logger            *slog.Logger
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventDisconnected
)

type event struct {
	kind eventKind
	addr string
	gen  uint64
	err  error
}

type session struct {
	gen    uint64
	addr   string
	client *rpc.Client
}

// Channel delivers frame metadata to one consumer endpoint.
type Channel struct {
	endpoint          string
	connectTimeout    time.Duration
	replyTimeout      time.Duration
	reconnectInterval time.Duration
	logger            *slog.Logger

	registry *Registry
	events   chan event
	kick     chan struct{}
	state    atomic.Int32
	gen      atomic.Uint64

	mu      sync.Mutex
	current *session

	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New starts the dialer and watcher goroutines. No connection is attempted
// until the first Send.
func New(ctx context.Context, opts Options) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 500 * time.Millisecond
	}
	channelCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		endpoint:          opts.Endpoint,
		connectTimeout:    opts.ConnectTimeout,
		replyTimeout:      opts.ReplyTimeout,
		reconnectInterval: opts.ReconnectInterval,
		logger: logging.NewComponentLogger(opts.Logger, "metadata").With(
			logging.String(logging.FieldEndpoint, opts.Endpoint)),
		registry: NewRegistry(),
		events:   make(chan event, 16),
		kick:     make(chan struct{}, 1),
		ctx:      channelCtx,
		cancel:   cancel,
	}
	c.wg.Add(2)
	go c.dialLoop()
	go c.watch()
	return c
}

// Send delivers payload and waits for the consumer's reply. With no
// connected peer it returns (nil, nil) immediately and schedules a connect.
func (c *Channel) Send(ctx context.Context, payload any) (*Reply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.registry.Len() == 0 {
		c.wake()
		return nil, nil
	}
	sess := c.session()
	if sess == nil {
		c.wake()
		return nil, nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var reply Reply
	call := sess.client.Go(sendMethod, payload, &reply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()

	select {
	case done := <-call.Done:
		if done.Error != nil {
			err := classifyCallError(done.Error)
			c.drop(sess, err)
			return nil, err
		}
		return &reply, nil
	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrTimeout, c.replyTimeout)
		c.drop(sess, err)
		return nil, err
	case <-ctx.Done():
		// The request is on the wire; the link cannot be reused half-way through.
		c.drop(sess, ctx.Err())
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Peers returns the connected consumer endpoints.
func (c *Channel) Peers() []string {
	return c.registry.List()
}

// PeerCount returns the number of connected consumers.
func (c *Channel) PeerCount() int {
	return c.registry.Len()
}

// State reports the connection lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// ResetPeers drops the current connection. The watcher clears the registry
// and the next Send re-probes the endpoint.
func (c *Channel) ResetPeers() {
	if sess := c.session(); sess != nil {
		c.drop(sess, errors.New("peer reset"))
	}
}

// Close drops the connection and stops the background goroutines.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	sess := c.current
	c.current = nil
	c.mu.Unlock()
	if sess != nil {
		_ = sess.client.Close()
	}
	c.wg.Wait()
	c.registry.Clear()
	c.state.Store(int32(StateClosed))
	return nil
}

func (c *Channel) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// drop closes sess; its codec reports the disconnect to the watcher.
func (c *Channel) drop(sess *session, cause error) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
	c.logger.Debug("dropping metadata connection",
		logging.Uint64("generation", sess.gen),
		logging.Error(cause))
	_ = sess.client.Close()
}

func (c *Channel) dialLoop() {
	defer c.wg.Done()
	var lastAttempt time.Time
	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}
		for c.ctx.Err() == nil && c.session() == nil {
			if wait := c.reconnectInterval - time.Since(lastAttempt); wait > 0 {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			lastAttempt = time.Now()
			if err := c.connect(); err != nil {
				failures++
				c.state.Store(int32(StateError))
				if failures == 1 {
					logging.WarnWithContext(c.logger, "metadata consumer unreachable", "metadata_connect_failed",
						logging.Error(err),
						logging.String(logging.FieldImpact, "metadata skipped until a consumer connects"),
						logging.String(logging.FieldErrorHint, "start the consumer or check bridge.port"))
				} else {
					c.logger.Debug("metadata reconnect failed", logging.Int("attempt", failures), logging.Error(err))
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Channel) connect() error {
	c.state.Store(int32(StateConnecting))
	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", c.endpoint)
	if err != nil {
		return err
	}
	gen := c.gen.Add(1)
	addr := conn.RemoteAddr().String()
	codec := newLineCodec(conn, c.replyTimeout, func(err error) {
		c.emit(event{kind: eventDisconnected, addr: addr, gen: gen, err: err})
	})
	sess := &session{gen: gen, addr: addr, client: rpc.NewClientWithCodec(codec)}

	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()
	c.emit(event{kind: eventConnected, addr: addr, gen: gen})
	return nil
}

func (c *Channel) emit(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// watch is the only writer of the registry.
func (c *Channel) watch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			switch ev.kind {
			case eventConnected:
				c.registry.Add(ev.addr, ev.gen)
				c.state.Store(int32(StateConnected))
				c.logger.Info("metadata consumer connected",
					logging.String(logging.FieldEventType, "metadata_peer_connected"),
					logging.String("peer", ev.addr),
					logging.Uint64("generation", ev.gen))
			case eventDisconnected:
				c.registry.Remove(ev.addr, ev.gen)
				c.mu.Lock()
				if c.current != nil && c.current.gen == ev.gen {
					c.current = nil
				}
				c.mu.Unlock()
				if c.gen.Load() == ev.gen {
					c.state.Store(int32(StateIdle))
				}
				c.logger.Info("metadata consumer disconnected",
					logging.String(logging.FieldEventType, "metadata_peer_disconnected"),
					logging.String("peer", ev.addr),
					logging.Uint64("generation", ev.gen),
					logging.Error(ev.err))
			}
		}
	}
}

func classifyCallError(err error) error {
	var serverErr rpc.ServerError
	switch {
	case errors.As(err, &serverErr):
		return fmt.Errorf("%w: %s", ErrProtocol, string(serverErr))
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrTransfer):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
}
