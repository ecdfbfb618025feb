package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"texbridge/internal/fdpass"
	"texbridge/internal/frame"
	"texbridge/internal/logging"
	"texbridge/internal/metadata"
	"texbridge/internal/stats"
	"texbridge/internal/taskqueue"
)

// ErrClosed is reported for frames submitted after Close.
var ErrClosed = errors.New("coordinator closed")

// DescriptorSender is the descriptor channel as the coordinator uses it.
type DescriptorSender interface {
	Send(ctx context.Context, endpoint string, fd int, token []byte) error
	SendWithMetadata(ctx context.Context, endpoint string, fd int, body []byte) error
}

// MetadataSender is the metadata channel as the coordinator uses it. Send
// returns a nil reply when no peer is connected.
type MetadataSender interface {
	Send(ctx context.Context, payload any) (*metadata.Reply, error)
	ResetPeers()
}

// Recorder receives one sample per handled frame.
type Recorder interface {
	Record(stats.Sample)
}

// Deps are the channel handles the coordinator drives.
type Deps struct {
	Descriptors DescriptorSender
	Metadata    MetadataSender
	// Probe checks the descriptor endpoint under ProbeThenSplit. Defaults to fdpass.Probe.
	Probe  func(endpoint string) error
	Stats  Recorder
	Logger *slog.Logger
	// OnOutcome, when set, observes every finished frame.
	OnOutcome func(Outcome)
}

// Options configures the coordinator.
type Options struct {
	Policy   Policy
	Endpoint string
	Token    []byte
	// Redact replaces plane descriptors in metadata with frame.NoDescriptor.
	Redact         bool
	QueueDepth     int
	Drop           taskqueue.DropPolicy
	MaxFramesAhead int
	Table          Table
}

// Result is the final classification of a frame.
type Result int

const (
	ResultDelivered Result = iota
	ResultDropped
	ResultFailed
	ResultEmpty
)

func (r Result) String() string {
	switch r {
	case ResultDelivered:
		return "delivered"
	case ResultDropped:
		return "dropped"
	case ResultFailed:
		return "failed"
	case ResultEmpty:
		return "empty"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// State is a step of the per-frame state machine.
type State int

const (
	StateReceived State = iota
	StateDescriptorSent
	StateMetadataSent
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDescriptorSent:
		return "descriptor-sent"
	case StateMetadataSent:
		return "metadata-sent"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome describes what happened to one frame.
type Outcome struct {
	Seq    uint64
	Result Result
	// Reached is the furthest state before release.
	Reached State
	// Final is StateReleased once the coordinator is done with the frame.
	Final   State
	Kind    Kind
	Channel string
	Err     error
	// MetadataSkipped is set when metadata was not sent for lack of a peer.
	MetadataSkipped bool
	// Released reports that this call released the frame's handle.
	Released bool
	Duration time.Duration
}

// Totals are lifetime frame counters.
type Totals struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Empty     uint64 `json:"empty"`
}

const (
	channelDescriptor = "descriptor"
	channelMetadata   = "metadata"
	warnInterval      = time.Second
)

// Coordinator runs frames through the descriptor and metadata queues.
type Coordinator struct {
	descriptors DescriptorSender
	meta        MetadataSender
	probe       func(string) error
	recorder    Recorder
	onOutcome   func(Outcome)
	logger      *slog.Logger

	policy   Policy
	endpoint string
	token    []byte
	redact   bool
	table    Table

	descQ *taskqueue.Queue[struct{}]
	metaQ *taskqueue.Queue[*metadata.Reply]

	sem        chan struct{}
	orderMu    sync.Mutex
	lastTicket chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	empty     atomic.Uint64

	warnMu     sync.Mutex
	lastWarn   map[Kind]time.Time
	suppressed map[Kind]int
}

// New builds a coordinator and starts one queue per channel.
func New(deps Deps, opts Options) *Coordinator {
	probe := deps.Probe
	if probe == nil {
		probe = fdpass.Probe
	}
	table := opts.Table
	if table == nil {
		table = DefaultTable
	}
	ahead := opts.MaxFramesAhead
	if ahead <= 0 {
		ahead = 1
	}
	logger := logging.NewComponentLogger(deps.Logger, "handoff").With(
		logging.String(logging.FieldPolicy, opts.Policy.String()))

	first := make(chan struct{})
	close(first)

	return &Coordinator{
		descriptors: deps.Descriptors,
		meta:        deps.Metadata,
		probe:       probe,
		recorder:    deps.Stats,
		onOutcome:   deps.OnOutcome,
		logger:      logger,
		policy:      opts.Policy,
		endpoint:    opts.Endpoint,
		token:       append([]byte(nil), opts.Token...),
		redact:      opts.Redact,
		table:       table,
		descQ: taskqueue.New[struct{}](context.Background(), taskqueue.Options{
			Name: channelDescriptor, MaxDepth: opts.QueueDepth, Drop: opts.Drop, Logger: deps.Logger,
		}),
		metaQ: taskqueue.New[*metadata.Reply](context.Background(), taskqueue.Options{
			Name: channelMetadata, MaxDepth: opts.QueueDepth, Drop: opts.Drop, Logger: deps.Logger,
		}),
		sem:        make(chan struct{}, ahead),
		lastTicket: first,
		lastWarn:   make(map[Kind]time.Time),
		suppressed: make(map[Kind]int),
	}
}

// flight is one frame between Received and Released.
type flight struct {
	f      *frame.Frame
	start  time.Time
	out    Outcome
	ex     frame.Extraction
	desc   *taskqueue.Future[struct{}]
	prev   chan struct{}
	ticket chan struct{}
	passed bool
	done   bool
}

// Handle runs f through the pipeline in the caller's goroutine and returns
// once the frame is released.
func (c *Coordinator) Handle(ctx context.Context, f *frame.Frame) Outcome {
	if c.closed.Load() {
		return c.reject(f, ErrClosed)
	}
	fl := c.begin(ctx, f)
	return c.finish(ctx, fl)
}

// Submit starts f and returns without waiting for the channels. At most
// MaxFramesAhead frames are in flight; beyond that the frame is dropped
// immediately. Submit reports whether the frame was accepted.
func (c *Coordinator) Submit(ctx context.Context, f *frame.Frame) bool {
	c.wg.Add(1)
	if c.closed.Load() {
		c.wg.Done()
		c.reject(f, ErrClosed)
		return false
	}
	select {
	case c.sem <- struct{}{}:
	default:
		c.wg.Done()
		c.reject(f, fmt.Errorf("%w: %d frames in flight", taskqueue.ErrDropped, cap(c.sem)))
		return false
	}
	fl := c.begin(ctx, f)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.finish(ctx, fl)
	}()
	return true
}

// Wait blocks until every submitted frame has been released.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close waits for in-flight frames and stops both queues.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.wg.Wait()
	c.descQ.Close()
	c.metaQ.Close()
}

// Totals returns lifetime counters.
func (c *Coordinator) Totals() Totals {
	return Totals{
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Failed:    c.failed.Load(),
		Empty:     c.empty.Load(),
	}
}

// QueueStats returns the descriptor and metadata queue counters.
func (c *Coordinator) QueueStats() []taskqueue.Stats {
	return []taskqueue.Stats{c.descQ.Stats(), c.metaQ.Stats()}
}

// InFlight returns the number of submitted frames not yet released.
func (c *Coordinator) InFlight() int {
	return len(c.sem)
}

// Policy returns the active ordering policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// begin extracts f and enqueues its descriptor work. Enqueue order across
// frames follows call order.
func (c *Coordinator) begin(ctx context.Context, f *frame.Frame) *flight {
	fl := &flight{
		f:      f,
		start:  time.Now(),
		ticket: make(chan struct{}),
	}
	if f != nil {
		fl.out.Seq = f.Seq
	}
	ex, extractErr := frame.Extract(f)

	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	fl.prev = c.lastTicket
	c.lastTicket = fl.ticket

	switch {
	case extractErr != nil:
		c.fail(&fl.out, "", extractErr)
		fl.done = true
		return fl
	case !ex.HasDescriptor:
		fl.out.Result = ResultEmpty
		fl.done = true
		return fl
	}
	fl.ex = ex

	if c.policy == ProbeThenSplit {
		if err := c.probe(c.endpoint); err != nil {
			c.fail(&fl.out, channelDescriptor, err)
			fl.done = true
			return fl
		}
	}

	fd := ex.Descriptor.FD
	if c.policy == Combined {
		body, err := json.Marshal(c.payload(ex))
		if err != nil {
			c.fail(&fl.out, channelDescriptor, fmt.Errorf("encode metadata: %w", err))
			fl.done = true
			return fl
		}
		fl.desc = c.descQ.Enqueue(func(context.Context) (struct{}, error) {
			return struct{}{}, c.descriptors.SendWithMetadata(ctx, c.endpoint, fd, body)
		})
		return fl
	}
	fl.desc = c.descQ.Enqueue(func(context.Context) (struct{}, error) {
		return struct{}{}, c.descriptors.Send(ctx, c.endpoint, fd, c.token)
	})
	return fl
}

// finish waits for the channels and releases the frame on every path.
func (c *Coordinator) finish(ctx context.Context, fl *flight) (out Outcome) {
	defer func() {
		c.passTicket(fl)
		c.release(fl)
		fl.out.Final = StateReleased
		fl.out.Duration = time.Since(fl.start)
		c.account(fl.out)
		out = fl.out
	}()
	if fl.done {
		return fl.out
	}

	// The descriptor must stay open until sendmsg returns, so this waits
	// even when ctx is done; the send itself is bounded by its timeout.
	if _, err := fl.desc.Result(); err != nil {
		c.fail(&fl.out, channelDescriptor, err)
		return fl.out
	}
	fl.out.Reached = StateDescriptorSent

	if c.policy == Combined || c.meta == nil {
		if c.policy == Combined {
			fl.out.Reached = StateMetadataSent
		} else {
			fl.out.MetadataSkipped = true
		}
		fl.out.Result = ResultDelivered
		return fl.out
	}

	payload := c.payload(fl.ex)
	<-fl.prev
	future := c.metaQ.Enqueue(func(context.Context) (*metadata.Reply, error) {
		return c.meta.Send(ctx, payload)
	})
	c.passTicket(fl)

	reply, err := future.Result()
	if err != nil {
		c.fail(&fl.out, channelMetadata, err)
		return fl.out
	}
	fl.out.Reached = StateMetadataSent
	fl.out.MetadataSkipped = reply == nil
	fl.out.Result = ResultDelivered
	return fl.out
}

// passTicket lets the next frame enqueue its metadata once this one has.
func (c *Coordinator) passTicket(fl *flight) {
	if fl.passed {
		return
	}
	<-fl.prev
	close(fl.ticket)
	fl.passed = true
}

func (c *Coordinator) payload(ex frame.Extraction) frame.Metadata {
	if c.redact {
		return ex.Metadata.Redacted()
	}
	return ex.Metadata
}

// reject releases a frame that never entered the pipeline.
func (c *Coordinator) reject(f *frame.Frame, err error) Outcome {
	fl := &flight{f: f, start: time.Now()}
	if f != nil {
		fl.out.Seq = f.Seq
	}
	c.fail(&fl.out, "", err)
	c.release(fl)
	fl.out.Final = StateReleased
	fl.out.Duration = time.Since(fl.start)
	c.account(fl.out)
	return fl.out
}

func (c *Coordinator) release(fl *flight) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(c.logger, "frame release panicked", "frame_release_panic",
				logging.Uint64(logging.FieldFrameSeq, fl.out.Seq),
				logging.Any("panic", r),
				logging.String(logging.FieldErrorHint, "the producer's release operation must not panic"))
		}
		fl.ex = frame.Extraction{}
		fl.f = nil
	}()
	released, err := fl.f.Release()
	fl.out.Released = released
	if err != nil {
		logging.WarnWithContext(c.logger, "closing duplicated descriptor failed", "descriptor_close_failed",
			logging.Uint64(logging.FieldFrameSeq, fl.out.Seq),
			logging.Error(err),
			logging.String(logging.FieldImpact, "descriptor may leak"))
	}
}

func (c *Coordinator) fail(out *Outcome, channel string, err error) {
	kind := Classify(err)
	out.Kind = kind
	out.Channel = channel
	out.Err = err
	if kind.dropped() {
		out.Result = ResultDropped
	} else {
		out.Result = ResultFailed
	}

	attrs := []logging.Attr{
		logging.Uint64(logging.FieldFrameSeq, out.Seq),
		logging.String(logging.FieldErrorKind, kind.String()),
		logging.Error(err),
	}
	if channel != "" {
		attrs = append(attrs, logging.String(logging.FieldChannel, channel))
	}

	switch c.table.Lookup(kind) {
	case ActionDrop:
		c.logger.Debug("frame dropped", logging.Args(attrs...)...)
	case ActionDropResetPeer:
		if c.meta != nil {
			c.meta.ResetPeers()
		}
		c.warn(kind, "frame dropped, metadata peer reset", append(attrs,
			logging.String(logging.FieldErrorHint, "check the consumer speaks one line per request"))...)
	default:
		c.warn(kind, "frame lost", attrs...)
	}
}

// warn logs at most once per kind per second and reports how many warnings
// were folded into it.
func (c *Coordinator) warn(kind Kind, msg string, attrs ...logging.Attr) {
	c.warnMu.Lock()
	now := time.Now()
	if last, ok := c.lastWarn[kind]; ok && now.Sub(last) < warnInterval {
		c.suppressed[kind]++
		c.warnMu.Unlock()
		return
	}
	suppressed := c.suppressed[kind]
	c.suppressed[kind] = 0
	c.lastWarn[kind] = now
	c.warnMu.Unlock()

	if suppressed > 0 {
		attrs = append(attrs, logging.Int("suppressed", suppressed))
	}
	logging.WarnWithContext(c.logger, msg, "frame_"+kind.String()+"_error", attrs...)
}

func (c *Coordinator) account(out Outcome) {
	var result stats.Result
	switch out.Result {
	case ResultDelivered:
		c.delivered.Add(1)
		result = stats.Delivered
	case ResultDropped:
		c.dropped.Add(1)
		result = stats.Dropped
	case ResultFailed:
		c.failed.Add(1)
		result = stats.Failed
	case ResultEmpty:
		c.empty.Add(1)
		result = stats.Empty
	}
	if c.recorder != nil {
		c.recorder.Record(stats.Sample{Seq: out.Seq, Result: result, Duration: out.Duration})
	}
	if c.onOutcome != nil {
		c.onOutcome(out)
	}
}
