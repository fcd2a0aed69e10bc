package request

import "time"

// Status is the request lifecycle state. Transitions are monotonic; see
// status.go for the table.
type Status string

const (
	StatusPending             Status = "pending"
	StatusActive              Status = "active"
	StatusCompleted           Status = "completed"
	StatusCanceledByClient    Status = "canceled_by_client"
	StatusCanceledByPerformer Status = "canceled_by_performer"
	StatusClosedAutomatically Status = "closed_automatically"
)

// ModerationStatus gates performer visibility. A request is only shown to
// performers once approved.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
)

// Type selects the fan-out mode: the whole eligible pool, a single targeted
// performer, or both at once.
type Type string

const (
	TypeToAll       Type = "to_all"
	TypeToOne       Type = "to_one"
	TypeToOneAndAll Type = "to_one_and_all"
)

func (t Type) Valid() bool {
	switch t {
	case TypeToAll, TypeToOne, TypeToOneAndAll:
		return true
	}
	return false
}

// Targeted reports whether the type solicits a specific performer directly.
func (t Type) Targeted() bool {
	return t == TypeToOne || t == TypeToOneAndAll
}

// WorkLocation is where the work happens.
type WorkLocation string

const (
	WorkOnAddress WorkLocation = "on_address"
	WorkRemote    WorkLocation = "remote"
	WorkTravel    WorkLocation = "travel"
)

func (w WorkLocation) Valid() bool {
	switch w {
	case WorkOnAddress, WorkRemote, WorkTravel:
		return true
	}
	return false
}

// Response is a performer's priced proposal against a request. At most one per
// performer per request; mutable only while the request is pending.
type Response struct {
	ID          string
	RequestID   string
	PerformerID string
	Price       int64
	Comment     string
	RespondedAt time.Time
}

type Request struct {
	ID                  string
	ClientID            string
	ServiceID           string
	OfferIDs            []string
	Description         string
	Address             string
	City                string
	District            string
	Phone               string
	PriceLimit          *int64
	DueDate             *time.Time
	TimePeriod          string
	WorkLocation        WorkLocation
	PhotoURLs           []string
	Type                Type
	TargetPerformerID   *string
	Status              Status
	ModerationStatus    ModerationStatus
	ModerationReason    *string
	SelectedPerformerID *string
	CancelReason        *string
	Responses           []Response
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ResponseBy returns the performer's response if present.
func (r Request) ResponseBy(performerID string) (Response, bool) {
	for _, resp := range r.Responses {
		if resp.PerformerID == performerID {
			return resp, true
		}
	}
	return Response{}, false
}

// Filters narrows request listings.
type Filters struct {
	Status   Status
	Page     int
	PageSize int
}
