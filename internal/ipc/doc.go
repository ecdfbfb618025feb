// Package ipc exposes the running bridge over JSON-RPC on a Unix domain
// socket and ships the matching client used by the CLI.
//
// The server is decoupled from the bridge through the Provider interface so
// tests can serve canned status without wiring channels. Keep request and
// response DTOs in types.go so `texbridge status` stays compatible with
// older daemons.
package ipc
