// Package logx configures paced's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional rate-limited notify sink that forwards rendered lines
//     to a pluggable Notifier (the alert pipeline's Telegram sink
//     implements it), so operator chats see warnings without the logger
//     knowing about transports
//
// Loggers created from a Service stay "live": Service.Apply swaps levels
// and sinks at runtime and every derived Logger picks the change up.
package logx
