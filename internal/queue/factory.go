package queue

// Type selects a queue backend.
type Type string

const (
	// TypeSQS uses AWS SQS FIFO queues.
	TypeSQS Type = "sqs"

	// TypeSQLite uses the embedded SQLite queue (dev / single node).
	TypeSQLite Type = "sqlite"

	// TypeNATS uses an external NATS JetStream cluster.
	TypeNATS Type = "nats"

	// TypeNATSEmbedded runs an in-process NATS server.
	TypeNATSEmbedded Type = "nats-embedded"
)

// ParseType maps a config string to a backend type, defaulting to the
// embedded SQLite queue.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeSQS, TypeSQLite, TypeNATS, TypeNATSEmbedded:
		return Type(s)
	default:
		return TypeSQLite
	}
}
