package order

import "time"

// Outbox topics emitted by the order service.
const (
	TopicCompleted           = "order.completed"
	TopicPerformerMarkedDone = "order.performer_marked_done"
	TopicCancelled           = "order.cancelled"
)

// Status of an engagement. Orders are append-only history: never deleted, only
// status-mutated.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Order is the engagement created exactly once when a request's response is
// accepted. Document URLs are owned by an external document service; ChatID is
// an opaque handle from the chat collaborator.
type Order struct {
	ID           string
	RequestID    string
	ClientID     string
	PerformerID  string
	Status       Status
	ChatID       string
	ContractURL  *string
	ActURL       *string
	ReceiptURL   *string
	CancelReason *string
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateFromRequestParams carries the accepted-request linkage.
type CreateFromRequestParams struct {
	RequestID   string
	ClientID    string
	PerformerID string
	ChatID      string
}
