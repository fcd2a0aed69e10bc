// Package matching computes which performers a request fans out to. It is the
// single authority on visibility: the lifecycle engine asks it at approval
// time and the performer feed filters through it.
package matching

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"taskmarket/catalog"
	"taskmarket/performer"
	"taskmarket/request"
)

// Directory is the slice of the performer directory the resolver needs.
type Directory interface {
	Get(ctx context.Context, id string) (performer.Performer, error)
	FindEligible(ctx context.Context, params performer.EligibilityParams) ([]performer.Performer, error)
}

// Catalog resolves the service a request was filed against.
type Catalog interface {
	Service(id string) (catalog.Service, error)
}

// RequestSource lists the requests currently open to performers.
type RequestSource interface {
	ListOpenApproved(ctx context.Context) ([]request.Request, error)
}

type Resolver struct {
	directory Directory
	catalog   Catalog
	requests  RequestSource
	now       func() time.Time
}

func NewResolver(directory Directory, cat Catalog, requests RequestSource) *Resolver {
	return &Resolver{
		directory: directory,
		catalog:   cat,
		requests:  requests,
		now:       time.Now,
	}
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// VisiblePerformers computes the performer set that should see the request.
// An empty set is a valid outcome, never an error: a to_one request whose
// target fails eligibility simply yields nobody, and the client is informed
// through a separate channel.
func (r *Resolver) VisiblePerformers(ctx context.Context, req request.Request) ([]performer.Performer, error) {
	svc, err := r.catalog.Service(req.ServiceID)
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case request.TypeToOne:
		target, ok, err := r.eligibleTarget(ctx, req, svc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []performer.Performer{}, nil
		}
		return []performer.Performer{target}, nil

	case request.TypeToAll:
		return r.eligiblePool(ctx, req, svc)

	case request.TypeToOneAndAll:
		pool, err := r.eligiblePool(ctx, req, svc)
		if err != nil {
			return nil, err
		}
		target, ok, err := r.eligibleTarget(ctx, req, svc)
		if err != nil {
			return nil, err
		}
		if ok && !containsPerformer(pool, target.ID) {
			pool = append(pool, target)
			SortForDisplay(pool, req.District, r.now())
		}
		return pool, nil

	default:
		return nil, fmt.Errorf("matching: unknown request type %q", req.Type)
	}
}

// eligibleTarget loads the direct target and checks the hard eligibility
// rules: offering the service and being available. The city rule is waived for
// a direct solicitation; the client chose this performer knowingly.
func (r *Resolver) eligibleTarget(ctx context.Context, req request.Request, svc catalog.Service) (performer.Performer, bool, error) {
	if req.TargetPerformerID == nil {
		return performer.Performer{}, false, nil
	}
	target, err := r.directory.Get(ctx, *req.TargetPerformerID)
	if err != nil {
		return performer.Performer{}, false, err
	}
	if target.Status != performer.StatusAvailable {
		return performer.Performer{}, false, nil
	}
	if !slices.Contains(target.ServiceIDs, req.ServiceID) {
		return performer.Performer{}, false, nil
	}
	if !typeAllowed(svc, target.Type) {
		return performer.Performer{}, false, nil
	}
	return target, true, nil
}

func (r *Resolver) eligiblePool(ctx context.Context, req request.Request, svc catalog.Service) ([]performer.Performer, error) {
	return r.directory.FindEligible(ctx, performer.EligibilityParams{
		ServiceID:  req.ServiceID,
		CategoryID: svc.CategoryID,
		City:       req.City,
		District:   req.District,
		TypeFilter: typeFilter(svc),
	})
}

// VisibleTo reports whether one performer should see the request. Used by the
// feed so listing and fan-out can never disagree.
func (r *Resolver) VisibleTo(req request.Request, p performer.Performer, svc catalog.Service) bool {
	if p.Status != performer.StatusAvailable {
		return false
	}
	isTarget := req.TargetPerformerID != nil && *req.TargetPerformerID == p.ID

	switch req.Type {
	case request.TypeToOne:
		return isTarget && slices.Contains(p.ServiceIDs, req.ServiceID) && typeAllowed(svc, p.Type)
	case request.TypeToOneAndAll:
		if isTarget && slices.Contains(p.ServiceIDs, req.ServiceID) && typeAllowed(svc, p.Type) {
			return true
		}
		return r.inPool(req, p, svc)
	case request.TypeToAll:
		return r.inPool(req, p, svc)
	}
	return false
}

func (r *Resolver) inPool(req request.Request, p performer.Performer, svc catalog.Service) bool {
	return slices.Contains(p.ServiceIDs, req.ServiceID) &&
		p.Location.City == req.City &&
		typeAllowed(svc, p.Type)
}

// Feed lists the open approved requests visible to one performer, newest
// first. Unavailable performers get an empty feed.
func (r *Resolver) Feed(ctx context.Context, performerID string) ([]request.Request, error) {
	p, err := r.directory.Get(ctx, performerID)
	if err != nil {
		return nil, err
	}
	if p.Status != performer.StatusAvailable {
		return []request.Request{}, nil
	}

	open, err := r.requests.ListOpenApproved(ctx)
	if err != nil {
		return nil, err
	}

	out := []request.Request{}
	for _, req := range open {
		svc, err := r.catalog.Service(req.ServiceID)
		if err != nil {
			continue // request against a retired service; keep the feed alive
		}
		if r.VisibleTo(req, p, svc) {
			out = append(out, req)
		}
	}
	return out, nil
}

// typeFilter collapses the service's Allows* flags into a directory filter.
func typeFilter(svc catalog.Service) performer.Type {
	switch {
	case svc.AllowsCompany && !svc.AllowsPrivateIndividual:
		return performer.TypeCompany
	case !svc.AllowsCompany && svc.AllowsPrivateIndividual:
		return performer.TypePrivate
	default:
		return ""
	}
}

func typeAllowed(svc catalog.Service, t performer.Type) bool {
	switch t {
	case performer.TypeCompany:
		return svc.AllowsCompany
	case performer.TypePrivate:
		return svc.AllowsPrivateIndividual
	}
	return false
}

func containsPerformer(list []performer.Performer, id string) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

// SortForDisplay orders performers for presentation: exact district match
// first, then active VIPs, then rating and review count descending. This is a
// display order only; it never removes anyone from the set.
func SortForDisplay(list []performer.Performer, district string, now time.Time) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]

		aDistrict := district != "" && a.Location.District == district
		bDistrict := district != "" && b.Location.District == district
		if aDistrict != bDistrict {
			return aDistrict
		}

		aVIP := a.VIPActive(now)
		bVIP := b.VIPActive(now)
		if aVIP != bVIP {
			return aVIP
		}

		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ReviewCount > b.ReviewCount
	})
}
