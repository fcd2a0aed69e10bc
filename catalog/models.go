package catalog

// Category groups services. Reference data, immutable at runtime.
type Category struct {
	ID   string
	Name string
}

// Service is the unit a request is always filed against. The Allows* flags
// restrict which performer types may take it.
type Service struct {
	ID                      string
	CategoryID              string
	Name                    string
	MinPrice                *int64
	AllowsCompany           bool
	AllowsPrivateIndividual bool
}

// Offer is a sub-service refinement tag attached to requests.
type Offer struct {
	ID        string
	ServiceID string
	Name      string
}
