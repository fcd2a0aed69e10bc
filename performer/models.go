package performer

import "time"

// Status is the availability state a performer is searchable under. inactive is
// reserved for moderation takedowns.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusInactive    Status = "inactive"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusUnavailable, StatusInactive:
		return true
	}
	return false
}

// Type distinguishes private specialists from companies. Services restrict
// which types may take them.
type Type string

const (
	TypePrivate Type = "private"
	TypeCompany Type = "company"
)

// Location is where the performer works from. District and metro are soft
// ranking signals, never hard filters.
type Location struct {
	City     string
	District string
	Metro    string
}

type Performer struct {
	ID              string
	FullName        string
	Phone           string
	Type            Type
	Status          Status
	Description     string
	Location        Location
	ServiceIDs      []string
	CategoryIDs     []string
	Rating          float64
	ReviewCount     int
	IsVIP           bool
	VIPExpiresAt    *time.Time
	ExperienceYears *int
	WorksRemotely   bool
	WorkAddress     string
	PhotoURLs       []string
	OnServiceSince  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VIPActive reports whether the VIP flag is currently in force.
func (p Performer) VIPActive(now time.Time) bool {
	if !p.IsVIP {
		return false
	}
	return p.VIPExpiresAt == nil || p.VIPExpiresAt.After(now)
}

// EligibilityParams narrows the directory to performers who may see a request.
type EligibilityParams struct {
	ServiceID  string
	CategoryID string
	City       string
	District   string
	// TypeFilter restricts to one performer type; empty means both.
	TypeFilter Type
}

// SearchFilter drives the client-facing performer search.
type SearchFilter struct {
	ServiceID  string
	CategoryID string
	City       string
	District   string
	TypeFilter Type
	Page       int
	PageSize   int
}
