// Package config loads, normalizes, and validates texbridge configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the TEXBRIDGE_PORT environment
// fallback. The bridge port is the one mandatory value: it selects the
// metadata endpoint and the local socket namespace the descriptor receiver
// listens in, so every derived path (descriptor socket, IPC socket, lock file)
// hangs off it.
//
// Validation failures wrap ErrConfiguration; callers treat them as fatal and
// exit before any pipeline component starts.
package config
