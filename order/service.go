package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"taskmarket/apperr"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter appends event rows inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service manages order completion and cancellation. Order creation happens
// inside the request acceptance transaction via CreateFromAcceptedRequest.
type Service struct {
	pool   TxBeginner
	repo   Repository
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateFromAcceptedRequest participates in the caller's transaction; the
// request engine invokes it while holding the request row lock.
func (s *Service) CreateFromAcceptedRequest(ctx context.Context, tx pgx.Tx, params CreateFromRequestParams) (Order, error) {
	return s.repo.CreateFromAcceptedRequest(ctx, tx, params)
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListForClient(ctx context.Context, clientID string) ([]Order, error) {
	return s.repo.ListForClient(ctx, clientID)
}

func (s *Service) ListForPerformer(ctx context.Context, performerID string) ([]Order, error) {
	return s.repo.ListForPerformer(ctx, performerID)
}

type CompleteParams struct {
	OrderID   string
	ActorID   string
	ActorRole string
}

// MarkCompleted records completion. The client's confirmation is authoritative:
// it closes the order and finalizes the request. A performer's call is advisory
// only: it emits a notification event and leaves both statuses untouched, so
// an unresponsive client can still confirm later without a co-signature
// deadlock.
func (s *Service) MarkCompleted(ctx context.Context, params CompleteParams) (Order, error) {
	role := strings.ToLower(params.ActorRole)
	if role != "client" && role != "performer" {
		return Order{}, fmt.Errorf("order: complete as %q: %w", params.ActorRole, apperr.ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, params.OrderID)
	if err != nil {
		return Order{}, err
	}

	switch role {
	case "client":
		if ord.ClientID != params.ActorID {
			return Order{}, fmt.Errorf("order: not owned by client: %w", apperr.ErrForbidden)
		}
	case "performer":
		if ord.PerformerID != params.ActorID {
			return Order{}, fmt.Errorf("order: not assigned to performer: %w", apperr.ErrForbidden)
		}
	}

	if ord.Status != StatusActive {
		return Order{}, fmt.Errorf("order: complete %s order: %w", ord.Status, apperr.ErrInvalidState)
	}

	if role == "performer" {
		if err := s.outbox.Enqueue(ctx, tx, TopicPerformerMarkedDone, map[string]any{
			"order_id":     ord.ID,
			"request_id":   ord.RequestID,
			"client_id":    ord.ClientID,
			"performer_id": ord.PerformerID,
		}); err != nil {
			return Order{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Order{}, fmt.Errorf("order: commit advisory done: %w", err)
		}
		return ord, nil
	}

	completedAt := s.now()
	updated, err := s.repo.UpdateStatus(ctx, tx, ord.ID, StatusCompleted, nil, &completedAt)
	if err != nil {
		return Order{}, err
	}
	if err := s.repo.FinalizeRequest(ctx, tx, ord.RequestID, "completed", nil); err != nil {
		return Order{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicCompleted, map[string]any{
		"order_id":     updated.ID,
		"request_id":   updated.RequestID,
		"client_id":    updated.ClientID,
		"performer_id": updated.PerformerID,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit complete: %w", err)
	}
	return updated, nil
}

type CancelParams struct {
	OrderID   string
	ActorID   string
	ActorRole string
	Reason    string
}

// Cancel terminates an active order and mirrors the cancellation onto the
// request, attributed to whichever side asked for it.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Order, error) {
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Order{}, apperr.Validation([]string{"cancellation reason is required"})
	}

	role := strings.ToLower(params.ActorRole)
	var requestStatus string
	switch role {
	case "client":
		requestStatus = "canceled_by_client"
	case "performer":
		requestStatus = "canceled_by_performer"
	default:
		return Order{}, fmt.Errorf("order: cancel as %q: %w", params.ActorRole, apperr.ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, params.OrderID)
	if err != nil {
		return Order{}, err
	}
	if role == "client" && ord.ClientID != params.ActorID {
		return Order{}, fmt.Errorf("order: not owned by client: %w", apperr.ErrForbidden)
	}
	if role == "performer" && ord.PerformerID != params.ActorID {
		return Order{}, fmt.Errorf("order: not assigned to performer: %w", apperr.ErrForbidden)
	}
	if ord.Status != StatusActive {
		return Order{}, fmt.Errorf("order: cancel %s order: %w", ord.Status, apperr.ErrInvalidState)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, ord.ID, StatusCanceled, &reason, nil)
	if err != nil {
		return Order{}, err
	}
	if err := s.repo.FinalizeRequest(ctx, tx, ord.RequestID, requestStatus, &reason); err != nil {
		return Order{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicCancelled, map[string]any{
		"order_id":     updated.ID,
		"request_id":   updated.RequestID,
		"client_id":    updated.ClientID,
		"performer_id": updated.PerformerID,
		"reason":       reason,
		"canceled_by":  role,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit cancel: %w", err)
	}
	return updated, nil
}
