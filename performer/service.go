package performer

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"taskmarket/apperr"
)

// Service is the directory facade over the performer repository. Profile
// mutations happen only here (availability, rating recompute) or through
// moderation setting a performer inactive.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id string) (Performer, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Search(ctx context.Context, filter SearchFilter) ([]Performer, int, error) {
	return s.repo.Search(ctx, filter)
}

// FindEligible returns the AVAILABLE performers matching service, category and
// city, ordered for display. An empty result is not an error.
func (s *Service) FindEligible(ctx context.Context, params EligibilityParams) ([]Performer, error) {
	return s.repo.FindEligible(ctx, params)
}

func (s *Service) SetAvailability(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return apperr.Validation([]string{fmt.Sprintf("unknown availability status %q", status)})
	}
	return s.repo.SetStatus(ctx, id, status)
}

// ApplyRating folds a new review rating into the performer's aggregate inside
// the caller's transaction. The row lock taken by GetRatingForUpdate makes the
// read-modify-write atomic per performer; distinct performers never contend.
func (s *Service) ApplyRating(ctx context.Context, tx pgx.Tx, performerID string, rating int) (float64, int, error) {
	if rating < 1 || rating > 5 {
		return 0, 0, apperr.Validation([]string{"rating must be between 1 and 5"})
	}

	avg, count, err := s.repo.GetRatingForUpdate(ctx, tx, performerID)
	if err != nil {
		return 0, 0, err
	}

	newAvg, newCount := nextRating(avg, count, rating)
	if err := s.repo.UpdateRating(ctx, tx, performerID, newAvg, newCount); err != nil {
		return 0, 0, err
	}
	return newAvg, newCount, nil
}

// nextRating computes the incremental weighted average, rounded to two
// decimals for stable display.
func nextRating(oldAvg float64, oldCount int, rating int) (float64, int) {
	count := oldCount + 1
	avg := (oldAvg*float64(oldCount) + float64(rating)) / float64(count)
	return math.Round(avg*100) / 100, count
}

func (s *Service) AddFavorite(ctx context.Context, clientID, performerID string) error {
	return s.repo.AddFavorite(ctx, clientID, performerID)
}

func (s *Service) RemoveFavorite(ctx context.Context, clientID, performerID string) error {
	return s.repo.RemoveFavorite(ctx, clientID, performerID)
}

func (s *Service) ListFavorites(ctx context.Context, clientID string) ([]Performer, error) {
	return s.repo.ListFavorites(ctx, clientID)
}
