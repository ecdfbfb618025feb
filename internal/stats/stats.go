// Package stats aggregates per-frame outcomes into fixed windows and emits
// one report per window.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"texbridge/internal/logging"
)

// Result is the outcome class of one frame.
type Result int

const (
	Delivered Result = iota
	Dropped
	Failed
	Empty
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	case Empty:
		return "empty"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Sample is one handled frame.
type Sample struct {
	Seq      uint64
	Result   Result
	Duration time.Duration
}

// Report summarizes one window. Dropped includes Failed frames; Failed is
// also reported on its own. Durations cover frames that carried a descriptor.
// FPS counts only frames that carried a texture.
type Report struct {
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Elapsed   time.Duration `json:"elapsed"`
	Frames    int           `json:"frames"`
	Delivered int           `json:"delivered"`
	Dropped   int           `json:"dropped"`
	Failed    int           `json:"failed"`
	Empty     int           `json:"empty"`
	MinMicros int64         `json:"min_us"`
	MaxMicros int64         `json:"max_us"`
	AvgMicros float64       `json:"avg_us"`
	FPS       float64       `json:"fps"`
	Peers     int           `json:"peers"`
}

// Options configures an Aggregator.
type Options struct {
	Interval time.Duration
	// Peers returns the current metadata peer count; nil reports zero.
	Peers func() int
	// OnReport receives every emitted report. Panics are recovered.
	OnReport func(Report)
	Logger   *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type window struct {
	start     time.Time
	frames    int
	delivered int
	dropped   int
	failed    int
	empty     int
	timed     int
	total     time.Duration
	min       time.Duration
	max       time.Duration
}

// Aggregator accumulates samples for the current window.
type Aggregator struct {
	interval time.Duration
	peers    func() int
	onReport func(Report)
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	current window
	last    *Report
	skipped int
}

// New returns an aggregator whose first window starts now. A zero interval
// means three seconds.
func New(opts Options) *Aggregator {
	interval := opts.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{
		interval: interval,
		peers:    opts.Peers,
		onReport: opts.OnReport,
		logger:   logging.NewComponentLogger(opts.Logger, "stats"),
		now:      now,
	}
	a.current = window{start: now()}
	return a
}

// Record adds one frame to the current window.
func (a *Aggregator) Record(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := &a.current
	w.frames++
	switch s.Result {
	case Delivered:
		w.delivered++
	case Dropped:
		w.dropped++
	case Failed:
		w.failed++
		w.dropped++
	case Empty:
		w.empty++
		return
	}
	w.timed++
	w.total += s.Duration
	if w.timed == 1 || s.Duration < w.min {
		w.min = s.Duration
	}
	if s.Duration > w.max {
		w.max = s.Duration
	}
}

// Flush closes the current window and starts a new one. It reports false,
// and the window is discarded, when building the report fails.
func (a *Aggregator) Flush() (report Report, ok bool) {
	a.mu.Lock()
	w := a.current
	end := a.now()
	a.current = window{start: end}
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.skipped++
			a.mu.Unlock()
			logging.WarnWithContext(a.logger, "stats window skipped", "stats_window_skipped",
				logging.Any("panic", r),
				logging.String(logging.FieldImpact, "one stats report lost"),
				logging.String(logging.FieldErrorHint, "report this as a bug"))
			report, ok = Report{}, false
		}
	}()

	report = buildReport(w, end)
	if a.peers != nil {
		report.Peers = a.peers()
	}
	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	return report, true
}

// Last returns the most recent report.
func (a *Aggregator) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Skipped returns the number of windows discarded after a fault.
func (a *Aggregator) Skipped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.skipped
}

// Run flushes every interval until ctx is done, logging each report and
// passing it to OnReport.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, ok := a.Flush()
			if !ok {
				continue
			}
			a.emit(report)
		}
	}
}

func (a *Aggregator) emit(report Report) {
	a.logger.Info("frame stats",
		logging.String(logging.FieldEventType, "stats_report"),
		logging.Int("frames", report.Frames),
		logging.Int("dropped", report.Dropped),
		logging.Int("failed", report.Failed),
		logging.Int("empty", report.Empty),
		logging.Float64("fps", math.Round(report.FPS*10)/10),
		logging.Int64("min_us", report.MinMicros),
		logging.Int64("max_us", report.MaxMicros),
		logging.Float64("avg_us", math.Round(report.AvgMicros)),
		logging.Int("peers", report.Peers),
	)
	if a.onReport == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.WarnWithContext(a.logger, "stats report handler failed", "stats_report_failed",
				logging.Any("panic", r),
				logging.String(logging.FieldImpact, "report not persisted"))
		}
	}()
	a.onReport(report)
}

func buildReport(w window, end time.Time) Report {
	elapsed := end.Sub(w.start)
	report := Report{
		Start:     w.start,
		End:       end,
		Elapsed:   elapsed,
		Frames:    w.frames,
		Delivered: w.delivered,
		Dropped:   w.dropped,
		Failed:    w.failed,
		Empty:     w.empty,
		MinMicros: w.min.Microseconds(),
		MaxMicros: w.max.Microseconds(),
	}
	if w.timed > 0 {
		report.AvgMicros = float64(w.total.Microseconds()) / float64(w.timed)
	}
	// Empty frames carried no texture and do not count towards throughput.
	if textured := w.frames - w.empty; elapsed > 0 && textured > 0 {
		report.FPS = float64(textured) / elapsed.Seconds()
	}
	return report
}
