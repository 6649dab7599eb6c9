package logging

import "github.com/streamhub/eventproc/types"

// NopLogger is a no-op logger that discards all log messages.
//
// Useful for tests and for production setups where logging is handled by
// hooks or metrics instead.
type NopLogger struct{}

// Compile-time assertion that NopLogger implements Logger.
var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a new no-op logger.
func NewNop() *NopLogger {
	return &NopLogger{}
}

// Debug discards the message.
func (n *NopLogger) Debug(_ string, _ ...any) {}

// Info discards the message.
func (n *NopLogger) Info(_ string, _ ...any) {}

// Warn discards the message.
func (n *NopLogger) Warn(_ string, _ ...any) {}

// Error discards the message.
func (n *NopLogger) Error(_ string, _ ...any) {}

// Fatal discards the message (does NOT call os.Exit).
//
// Note: unlike production loggers, NopLogger never terminates the process.
func (n *NopLogger) Fatal(_ string, _ ...any) {}
