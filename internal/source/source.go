package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"

	"texbridge/internal/config"
	"texbridge/internal/frame"
	"texbridge/internal/logging"
)

// ErrUnsupported is returned on platforms without anonymous memory files.
var ErrUnsupported = errors.New("synthetic source unsupported on this platform")

// Synthetic paces frames at a fixed rate.
type Synthetic struct {
	width      int
	height     int
	interval   time.Duration
	format     gputypes.TextureFormat
	emptyEvery int
	logger     *slog.Logger

	seq     atomic.Uint64
	open    atomic.Int64
	skipped atomic.Uint64
}

// New builds a producer from the source section of the configuration.
func New(cfg config.Source, logger *slog.Logger) (*Synthetic, error) {
	format, err := frame.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("source dimensions must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("source fps must be positive, got %d", cfg.FPS)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Synthetic{
		width:      cfg.Width,
		height:     cfg.Height,
		interval:   time.Second / time.Duration(cfg.FPS),
		format:     format,
		emptyEvery: cfg.EmptyEvery,
		logger:     logging.NewComponentLogger(logger, "source"),
	}, nil
}

// Run emits frames to sink until ctx is done. The sink takes ownership of
// every frame it is given.
func (s *Synthetic) Run(ctx context.Context, sink func(*frame.Frame)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("synthetic source started",
		logging.Int("width", s.width),
		logging.Int("height", s.height),
		logging.String("format", frame.FormatName(s.format)),
		logging.Duration("interval", s.interval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("synthetic source stopped",
				logging.Uint64("frames", s.seq.Load()),
				logging.Uint64("skipped", s.skipped.Load()),
			)
			return nil
		case <-ticker.C:
		}
		f, err := s.Next()
		if err != nil {
			s.skipped.Add(1)
			logging.WarnWithContext(s.logger, "synthetic frame allocation failed", "source_alloc_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the process descriptor limit"),
			)
			continue
		}
		sink(f)
	}
}

// Next allocates the next frame without pacing.
func (s *Synthetic) Next() (*frame.Frame, error) {
	seq := s.seq.Add(1)
	if s.emptyEvery > 0 && seq%uint64(s.emptyEvery) == 0 {
		return frame.New(seq, s.width, s.height, nil, nil), nil
	}

	stride := frame.MinStride(s.format, s.width)
	fd, err := allocate(seq, int64(stride)*int64(s.height))
	if err != nil {
		return nil, err
	}
	s.open.Add(1)
	handle := frame.NewHandle(func() {
		closeFD(fd)
		s.open.Add(-1)
	})
	planes := []frame.Plane{{
		Descriptor: frame.Borrow(fd),
		Stride:     stride,
		Format:     s.format,
	}}
	return frame.New(seq, s.width, s.height, planes, handle), nil
}

// Open reports how many allocated frames have not been released yet.
func (s *Synthetic) Open() int64 {
	return s.open.Load()
}
