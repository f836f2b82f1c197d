// Package logx configures modwatch's structured logging.
//
// It wraps zerolog (logx.Logger) to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (min-level + rate limiting) for operators
package logx
