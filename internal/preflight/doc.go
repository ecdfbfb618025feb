// Package preflight provides readiness checks for the paths and peers the
// bridge depends on.
//
// These checks run in two contexts:
//   - The bridge runs RunAll at startup and logs a warning per failed check.
//     Failures never stop the bridge: a consumer that appears later is picked
//     up by the next frame.
//   - The CLI "texbridge check" command prints every result.
//
// Checks gated by a config toggle are skipped when the feature is disabled.
package preflight
