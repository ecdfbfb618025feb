package preflight

import (
	"context"

	"texbridge/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Socket namespace", cfg.SocketNamespace()),
		CheckDescriptorReceiver(cfg.DescriptorEndpoint()),
		CheckMetadataConsumer(ctx, cfg.MetadataEndpoint(), cfg.ConnectTimeout()),
		CheckDescriptorLimit(cfg.Queue.MaxFramesAhead),
	}

	if cfg.Source.Enabled {
		results = append(results, CheckMemfd())
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
