// Package bridge wires the handoff pipeline into a running process.
//
// A Bridge holds the single-instance lock for its port, owns the descriptor
// sender, the metadata channel, the coordinator with its two task queues, the
// stats aggregator with optional SQLite history, the IPC status server and,
// when enabled, the synthetic source. Run is the entry point used by
// `texbridge run`; embedders that produce their own frames call New and feed
// Submit directly.
package bridge
