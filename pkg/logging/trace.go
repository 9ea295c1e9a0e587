package logging

import "log/slog"

// EnableTrace turns on per-attempt download logging. Off by default,
// a large fetch emits thousands of lines otherwise.
var EnableTrace = false

// TraceDefault logs to the default logger if EnableTrace is set.
func TraceDefault(msg string, args ...any) {
	if EnableTrace {
		slog.Debug(msg, args...)
	}
}
