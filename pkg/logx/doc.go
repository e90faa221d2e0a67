// Package logx configures modbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional alert sink that forwards warn+ lines to the moderation log
//     channel (min-level + rate limiting)
package logx
