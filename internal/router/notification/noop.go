package notification

import "log/slog"

// NoOpService logs instead of delivering. It stands in when no channel
// is configured so callers never have to nil-check their notifier.
type NoOpService struct{}

func NewNoOpService() *NoOpService {
	return &NoOpService{}
}

func (s *NoOpService) NotifyWarning(warning *Warning) {
	slog.Debug("Notification suppressed, no channel configured",
		"severity", warning.Severity,
		"category", warning.Category)
}

func (s *NoOpService) NotifyCriticalError(message, source string) {
	slog.Debug("Critical error notification suppressed, no channel configured",
		"source", source)
}

func (s *NoOpService) NotifySystemEvent(eventType, message string) {
	slog.Debug("System event notification suppressed, no channel configured",
		"eventType", eventType)
}

func (s *NoOpService) IsEnabled() bool {
	return false
}
