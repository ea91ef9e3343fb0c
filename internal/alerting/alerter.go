// Package alerting sends operator notifications for feed recoveries, forced
// closes and trades.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for routine lifecycle and trade notices.
	SeverityInfo Severity = iota
	// SeverityWarning is for recoverable feed problems.
	SeverityWarning
	// SeverityHigh is for forced position closes.
	SeverityHigh
	// SeverityCritical is for failures needing immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns a marker for chat channels.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter delivers a single alert.
type Alerter interface {
	// Alert sends message with key/value fields.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name identifies the channel in logs.
	Name() string
}

// FormatFields renders key/value pairs one per line. Non-string keys and a
// trailing key without value are skipped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// Event is a named alert kind with a default severity.
type Event string

const (
	// EventBotStarted is sent once the engine is running.
	EventBotStarted Event = "bot_started"
	// EventBotStopped is sent at the end of shutdown.
	EventBotStopped Event = "bot_stopped"
	// EventFeedRecovery is sent when a watchdog or the daily restart recycles the feed.
	EventFeedRecovery Event = "feed_recovery"
	// EventPositionOpen is sent when a fill opens a position.
	EventPositionOpen Event = "position_opened"
	// EventTradeClosed is sent when a fill closes a trade.
	EventTradeClosed Event = "trade_closed"
	// EventRiskClose is sent when a risk limit or stop loss forces a close.
	EventRiskClose Event = "risk_close"
	// EventSessionReport carries the session summary.
	EventSessionReport Event = "session_report"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event Event) Severity {
	switch event {
	case EventRiskClose:
		return SeverityHigh
	case EventFeedRecovery:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
