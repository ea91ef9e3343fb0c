package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("component", "alert")}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string { return "console" }

// Alert logs at a level matching severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	level := slog.LevelInfo
	switch {
	case severity >= SeverityHigh:
		level = slog.LevelError
	case severity == SeverityWarning:
		level = slog.LevelWarn
	}
	args := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, level, message, args...)
	return nil
}
