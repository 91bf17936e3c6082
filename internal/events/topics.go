package events

// Topic constants for domain events emitted by the service.
const (
	TopicDocumentFinalized = "document.finalized"
	TopicPaymentRecorded   = "payment.recorded"
	TopicAdvanceConsumed   = "advance.consumed"
)
