package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"texbridge/internal/fdpass"
	"texbridge/internal/frame"
	"texbridge/internal/metadata"
	"texbridge/internal/taskqueue"
)

// Policy orders the descriptor and metadata sends of one frame.
type Policy int

const (
	// SplitStrict sends the descriptor, waits for it to finish, then sends
	// metadata. A failed descriptor skips metadata.
	SplitStrict Policy = iota
	// Combined sends descriptor and metadata in one descriptor channel message.
	Combined
	// ProbeThenSplit checks that the descriptor endpoint exists before
	// behaving like SplitStrict; a missing endpoint drops the frame.
	ProbeThenSplit
)

func (p Policy) String() string {
	switch p {
	case SplitStrict:
		return "split-strict"
	case Combined:
		return "combined"
	case ProbeThenSplit:
		return "probe-then-split"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration value onto a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "split-strict":
		return SplitStrict, nil
	case "combined":
		return Combined, nil
	case "probe-then-split":
		return ProbeThenSplit, nil
	default:
		return SplitStrict, fmt.Errorf("unknown ordering policy %q", value)
	}
}

// Kind classifies a per-frame failure.
type Kind int

const (
	KindNone Kind = iota
	KindConnection
	KindTransfer
	KindProtocol
	KindBackpressure
	KindCanceled
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnection:
		return "connection"
	case KindTransfer:
		return "transfer"
	case KindProtocol:
		return "protocol"
	case KindBackpressure:
		return "backpressure"
	case KindCanceled:
		return "canceled"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps a channel or queue error onto a Kind. Unknown errors are
// transfer failures.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, taskqueue.ErrClosed), errors.Is(err, metadata.ErrClosed):
		return KindCanceled
	case errors.Is(err, taskqueue.ErrDropped):
		return KindBackpressure
	case errors.Is(err, fdpass.ErrConnectionRefused):
		return KindConnection
	case errors.Is(err, fdpass.ErrProtocol), errors.Is(err, metadata.ErrProtocol):
		return KindProtocol
	case errors.Is(err, frame.ErrMalformed), errors.Is(err, frame.ErrReleased):
		return KindMalformed
	default:
		return KindTransfer
	}
}

// Action is what the coordinator does about a failed frame. Every action
// drops the frame.
type Action int

const (
	// ActionDrop drops silently.
	ActionDrop Action = iota
	// ActionDropLog drops and logs a warning.
	ActionDropLog
	// ActionDropResetPeer drops, logs, and resets the metadata peer so the
	// next send re-probes.
	ActionDropResetPeer
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionDropLog:
		return "drop+log"
	case ActionDropResetPeer:
		return "drop+reset-peer"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Table maps failure kinds to actions.
type Table map[Kind]Action

// DefaultTable is the policy table used unless Options overrides it.
var DefaultTable = Table{
	KindConnection:   ActionDrop,
	KindBackpressure: ActionDrop,
	KindCanceled:     ActionDrop,
	KindProtocol:     ActionDropResetPeer,
	KindTransfer:     ActionDropLog,
	KindMalformed:    ActionDropLog,
}

// Lookup returns the action for kind, defaulting to ActionDropLog.
func (t Table) Lookup(kind Kind) Action {
	if action, ok := t[kind]; ok {
		return action
	}
	return ActionDropLog
}

// dropped reports whether kind counts as a drop rather than a failure.
func (k Kind) dropped() bool {
	switch k {
	case KindConnection, KindBackpressure, KindCanceled:
		return true
	default:
		return false
	}
}
