// Package main hosts the texbridge CLI entrypoint and command graph.
//
// `run` starts the handoff bridge in the foreground. `status`, `stop` and
// `reset-peers` talk to a running bridge over its IPC socket, `history`
// reads persisted stats windows straight from SQLite, and `recv` and
// `consume` stand in for the descriptor and metadata consumers during
// development. Configuration resolution lives in context.go so subcommands
// only declare their flags.
package main
