package enums

// DeliveryStatus is the terminal-or-not state of an outbound webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusCompleted DeliveryStatus = "completed"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

func (d DeliveryStatus) IsTerminal() bool {
	return d == DeliveryStatusCompleted || d == DeliveryStatusFailed
}

// InboundOutcome records how an inbound gateway event was settled.
type InboundOutcome string

const (
	// InboundOutcomeProcessed means the handler ran and its mutation committed.
	InboundOutcomeProcessed InboundOutcome = "processed"
	// InboundOutcomeAcknowledged means a data error was swallowed so the sender stops retrying.
	InboundOutcomeAcknowledged InboundOutcome = "acknowledged"
)
