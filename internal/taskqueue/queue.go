package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"texbridge/internal/logging"
)

var (
	// ErrDropped resolves a task shed by the drop policy.
	ErrDropped = errors.New("task dropped: queue full")
	// ErrClosed resolves tasks submitted to, or still pending in, a closed queue.
	ErrClosed = errors.New("task queue closed")
	// ErrPanic wraps a panic recovered from a task.
	ErrPanic = errors.New("task panicked")
)

// DropPolicy selects which task is shed when the queue is full.
type DropPolicy int

const (
	DropOldest DropPolicy = iota
	DropNewest
)

func (p DropPolicy) String() string {
	if p == DropNewest {
		return "newest"
	}
	return "oldest"
}

// ParseDropPolicy maps a configuration value onto a DropPolicy.
func ParseDropPolicy(value string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "oldest":
		return DropOldest, nil
	case "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", value)
	}
}

// Task is one unit of channel work.
type Task[T any] func(ctx context.Context) (T, error)

// Options configures a Queue.
type Options struct {
	Name     string
	MaxDepth int
	Drop     DropPolicy
	Logger   *slog.Logger
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	InFlight  bool   `json:"in_flight"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

type entry[T any] struct {
	task   Task[T]
	future *Future[T]
}

// Queue runs tasks one at a time in submission order.
type Queue[T any] struct {
	name     string
	maxDepth int
	drop     DropPolicy
	logger   *slog.Logger

	mu      sync.Mutex
	pending []entry[T]
	closed  bool

	signal   chan struct{}
	done     chan struct{}
	finished chan struct{}
	ctx      context.Context

	inFlight  atomic.Bool
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// New starts a queue whose tasks receive ctx.
func New[T any](ctx context.Context, opts Options) *Queue[T] {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	name := opts.Name
	if name == "" {
		name = "queue"
	}
	q := &Queue[T]{
		name:     name,
		maxDepth: depth,
		drop:     opts.Drop,
		logger:   logging.NewComponentLogger(opts.Logger, "taskqueue").With(logging.String("queue", name)),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		ctx:      ctx,
	}
	go q.work()
	return q
}

// Enqueue submits task and returns its Future. It never blocks.
func (q *Queue[T]) Enqueue(task Task[T]) *Future[T] {
	future := newFuture[T]()
	if task == nil {
		future.resolve(*new(T), errors.New("nil task"))
		return future
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		future.resolve(*new(T), ErrClosed)
		return future
	}
	var shed *Future[T]
	if len(q.pending) >= q.maxDepth {
		if q.drop == DropNewest {
			q.mu.Unlock()
			q.dropped.Add(1)
			q.logDrop()
			future.resolve(*new(T), ErrDropped)
			return future
		}
		shed = q.pending[0].future
		q.pending[0] = entry[T]{}
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, entry[T]{task: task, future: future})
	q.mu.Unlock()
	q.enqueued.Add(1)

	if shed != nil {
		q.dropped.Add(1)
		q.logDrop()
		shed.resolve(*new(T), ErrDropped)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return future
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Name:      q.name,
		Depth:     depth,
		InFlight:  q.inFlight.Load(),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Panics:    q.panics.Load(),
	}
}

// Close stops accepting tasks, fails pending ones with ErrClosed and waits
// for the task in flight to return.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.finished
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range pending {
		e.future.resolve(*new(T), ErrClosed)
	}
	close(q.done)
	<-q.finished
}

func (q *Queue[T]) work() {
	defer close(q.finished)
	for {
		e, ok := q.next()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		q.run(e)
	}
}

func (q *Queue[T]) next() (entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return entry[T]{}, false
	}
	e := q.pending[0]
	q.pending[0] = entry[T]{}
	q.pending = q.pending[1:]
	q.inFlight.Store(true)
	return e, true
}

func (q *Queue[T]) run(e entry[T]) {
	var (
		value T
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.panics.Add(1)
				err = fmt.Errorf("%w: %v", ErrPanic, r)
				logging.ErrorWithContext(q.logger, "task panicked", "task_panic",
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())),
					logging.String(logging.FieldErrorHint, "report this as a bug"))
			}
		}()
		value, err = e.task(q.ctx)
	}()
	q.inFlight.Store(false)
	if err != nil {
		q.failed.Add(1)
	} else {
		q.completed.Add(1)
	}
	e.future.resolve(value, err)
}

func (q *Queue[T]) logDrop() {
	q.logger.Debug("queue full, task dropped",
		logging.String(logging.FieldEventType, "task_dropped"),
		logging.String("drop_policy", q.drop.String()),
		logging.Int("max_depth", q.maxDepth))
}
