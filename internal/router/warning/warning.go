// Package warning keeps an in-memory record of operational problems the
// router wants an operator to see.
package warning

import "time"

// Severity levels.
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Warning categories.
const (
	CategoryConsumerHealth = "CONSUMER_HEALTH"
	CategoryResource       = "RESOURCE"
	CategoryConfiguration  = "CONFIGURATION"
	CategoryDelivery       = "DELIVERY"
)

// Warning is one operational notification.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
}
