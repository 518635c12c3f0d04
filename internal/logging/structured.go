package logging

import "log/slog"

// InitStructured reconfigures the operational logger from daemon settings.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
//
// The rebuilt logger keeps the standard pulsar attributes, so records
// emitted before and after reconfiguration stay uniformly tagged.
func InitStructured(format, level string) {
	SetLevelFromString(level)
	opLogger.Store(newLogger(format))
}

// OpWithTrace returns the operational logger with trace context fields.
// traceID and spanID are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
