// Package logx configures chaser's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one line per event
//   - Delivery tracing fields (corr_id, body_sha, rcpt) attachable via With()
package logx
