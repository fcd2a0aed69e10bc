package review

import "time"

// TopicSubmitted is emitted after a review lands and the performer aggregate
// is recomputed.
const TopicSubmitted = "review.submitted"

// Review is a client's verdict on a completed order. One per order, immutable
// after creation.
type Review struct {
	ID          string
	OrderID     string
	ReviewerID  string
	PerformerID string
	Rating      int
	Comment     string
	CreatedAt   time.Time
}
