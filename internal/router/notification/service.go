// Package notification delivers operational alerts to external
// channels (Microsoft Teams, email). Channels implement Service and
// are normally driven through a BatchingService so a burst of warnings
// produces one summary instead of one message each.
package notification

import (
	"strings"
	"time"
)

// Warning is the alert payload handed to a channel.
type Warning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Service is one delivery channel.
type Service interface {
	NotifyWarning(warning *Warning)
	NotifyCriticalError(message, source string)
	NotifySystemEvent(eventType, message string)
	IsEnabled() bool
}

// severityRank orders severities for filtering and summary headlines.
// Unknown severities rank below INFO.
func severityRank(severity string) int {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return 3
	case "ERROR":
		return 2
	case "WARNING":
		return 1
	case "INFO":
		return 0
	default:
		return -1
	}
}

// severityAtLeast reports whether severity meets the minimum level.
func severityAtLeast(severity, min string) bool {
	return severityRank(severity) >= severityRank(min)
}

// severityColor maps a severity to the hex color used by the HTML
// channels.
func severityColor(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return "#dc3545"
	case "ERROR":
		return "#fd7e14"
	case "WARNING":
		return "#ffc107"
	case "INFO":
		return "#17a2b8"
	default:
		return "#6c757d"
	}
}
