package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"taskmarket/apperr"
	"taskmarket/order"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderSource looks up and locks the order under review.
type OrderSource interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (order.Order, error)
}

// RatingApplier folds the new rating into the performer aggregate inside the
// same transaction. Implemented by the performer directory.
type RatingApplier interface {
	ApplyRating(ctx context.Context, tx pgx.Tx, performerID string, rating int) (float64, int, error)
}

// OutboxWriter appends event rows inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service accepts reviews for completed orders and keeps performer rating
// aggregates consistent with them.
type Service struct {
	pool      TxBeginner
	repo      Repository
	orders    OrderSource
	directory RatingApplier
	outbox    OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, orders OrderSource, directory RatingApplier, outbox OutboxWriter) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		orders:    orders,
		directory: directory,
		outbox:    outbox,
	}
}

type SubmitParams struct {
	OrderID    string
	ReviewerID string
	Rating     int
	Comment    string
}

// Submit stores the review and recomputes the performer's aggregate in one
// transaction. A duplicate review fails ErrConflict before the aggregate is
// touched, so a performer's rating reflects each order at most once. Locking
// the order row first gives submissions for the same order a stable order;
// rating recompute itself serializes on the performer row.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Review, error) {
	var v []string
	if params.OrderID == "" {
		v = append(v, "order id is required")
	}
	if params.ReviewerID == "" {
		v = append(v, "reviewer id is required")
	}
	if params.Rating < 1 || params.Rating > 5 {
		v = append(v, "rating must be between 1 and 5")
	}
	if err := apperr.Validation(v); err != nil {
		return Review{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.orders.GetForUpdate(ctx, tx, params.OrderID)
	if err != nil {
		return Review{}, err
	}
	if ord.ClientID != params.ReviewerID {
		return Review{}, fmt.Errorf("review: order not owned by reviewer: %w", apperr.ErrForbidden)
	}
	if ord.Status != order.StatusCompleted {
		return Review{}, fmt.Errorf("review: order is %s: %w", ord.Status, apperr.ErrInvalidState)
	}

	rev, err := s.repo.Insert(ctx, tx, Review{
		OrderID:     ord.ID,
		ReviewerID:  params.ReviewerID,
		PerformerID: ord.PerformerID,
		Rating:      params.Rating,
		Comment:     strings.TrimSpace(params.Comment),
	})
	if err != nil {
		return Review{}, err
	}

	newAvg, newCount, err := s.directory.ApplyRating(ctx, tx, ord.PerformerID, params.Rating)
	if err != nil {
		return Review{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicSubmitted, map[string]any{
		"review_id":    rev.ID,
		"order_id":     ord.ID,
		"performer_id": ord.PerformerID,
		"rating":       params.Rating,
		"new_average":  newAvg,
		"review_count": newCount,
	}); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit: %w", err)
	}
	return rev, nil
}

func (s *Service) ListForPerformer(ctx context.Context, performerID string) ([]Review, error) {
	return s.repo.ListForPerformer(ctx, performerID)
}
