// Package logx configures scrapesched's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Per-execution log files via Tee, alongside the live root sinks
package logx
