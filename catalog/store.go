package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/apperr"
)

// Store holds the catalog snapshot loaded at process start. Reads after Load
// never touch the database; catalog edits are an administrative concern handled
// outside this process and picked up on restart.
type Store struct {
	categories map[string]Category
	services   map[string]Service
	offers     map[string]Offer

	servicesByCategory map[string][]Service
	offersByService    map[string][]Offer
	categoryList       []Category
}

// Load reads the full catalog from the database and builds the snapshot.
func Load(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{
		categories:         make(map[string]Category),
		services:           make(map[string]Service),
		offers:             make(map[string]Offer),
		servicesByCategory: make(map[string][]Service),
		offersByService:    make(map[string][]Offer),
	}

	rows, err := pool.Query(ctx, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: load categories: %w", err)
	}
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: scan category: %w", err)
		}
		s.categories[c.ID] = c
		s.categoryList = append(s.categoryList, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate categories: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT id, category_id, name, min_price, allows_company, allows_private_individual
		FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: load services: %w", err)
	}
	for rows.Next() {
		var sv Service
		if err := rows.Scan(&sv.ID, &sv.CategoryID, &sv.Name, &sv.MinPrice, &sv.AllowsCompany, &sv.AllowsPrivateIndividual); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: scan service: %w", err)
		}
		s.services[sv.ID] = sv
		s.servicesByCategory[sv.CategoryID] = append(s.servicesByCategory[sv.CategoryID], sv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate services: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT id, service_id, name FROM service_offers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: load offers: %w", err)
	}
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.ServiceID, &o.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: scan offer: %w", err)
		}
		s.offers[o.ID] = o
		s.offersByService[o.ServiceID] = append(s.offersByService[o.ServiceID], o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate offers: %w", err)
	}

	return s, nil
}

// NewStore builds a snapshot from in-memory slices. Used by tests and tooling
// that have no database at hand.
func NewStore(categories []Category, services []Service, offers []Offer) *Store {
	s := &Store{
		categories:         make(map[string]Category, len(categories)),
		services:           make(map[string]Service, len(services)),
		offers:             make(map[string]Offer, len(offers)),
		servicesByCategory: make(map[string][]Service),
		offersByService:    make(map[string][]Offer),
	}
	for _, c := range categories {
		s.categories[c.ID] = c
		s.categoryList = append(s.categoryList, c)
	}
	sort.Slice(s.categoryList, func(i, j int) bool { return s.categoryList[i].Name < s.categoryList[j].Name })
	for _, sv := range services {
		s.services[sv.ID] = sv
		s.servicesByCategory[sv.CategoryID] = append(s.servicesByCategory[sv.CategoryID], sv)
	}
	for _, o := range offers {
		s.offers[o.ID] = o
		s.offersByService[o.ServiceID] = append(s.offersByService[o.ServiceID], o)
	}
	return s
}

func (s *Store) Category(id string) (Category, error) {
	c, ok := s.categories[id]
	if !ok {
		return Category{}, fmt.Errorf("catalog: category %s: %w", id, apperr.ErrNotFound)
	}
	return c, nil
}

func (s *Store) Service(id string) (Service, error) {
	sv, ok := s.services[id]
	if !ok {
		return Service{}, fmt.Errorf("catalog: service %s: %w", id, apperr.ErrNotFound)
	}
	return sv, nil
}

func (s *Store) Offer(id string) (Offer, error) {
	o, ok := s.offers[id]
	if !ok {
		return Offer{}, fmt.Errorf("catalog: offer %s: %w", id, apperr.ErrNotFound)
	}
	return o, nil
}

// Categories returns all categories ordered by name.
func (s *Store) Categories() []Category {
	out := make([]Category, len(s.categoryList))
	copy(out, s.categoryList)
	return out
}

// ServicesByCategory returns the category's services. Unknown ids fail with
// ErrNotFound rather than an empty list so callers can distinguish a typo from
// an empty category.
func (s *Store) ServicesByCategory(categoryID string) ([]Service, error) {
	if _, ok := s.categories[categoryID]; !ok {
		return nil, fmt.Errorf("catalog: category %s: %w", categoryID, apperr.ErrNotFound)
	}
	services := s.servicesByCategory[categoryID]
	out := make([]Service, len(services))
	copy(out, services)
	return out, nil
}

// OffersByService returns the refinement tags available for a service.
func (s *Store) OffersByService(serviceID string) ([]Offer, error) {
	if _, ok := s.services[serviceID]; !ok {
		return nil, fmt.Errorf("catalog: service %s: %w", serviceID, apperr.ErrNotFound)
	}
	offers := s.offersByService[serviceID]
	out := make([]Offer, len(offers))
	copy(out, offers)
	return out, nil
}
