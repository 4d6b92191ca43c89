// Package logx configures nudge's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - console output stays readable (short timestamp and caller)
//   - file output stays JSON-structured
//   - level and sinks can be swapped at runtime on config reload
package logx
