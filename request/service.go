package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"taskmarket/apperr"
	"taskmarket/order"
	"taskmarket/performer"
)

// Outbox topics emitted by the lifecycle engine.
const (
	TopicCreated           = "request.created"
	TopicApproved          = "request.approved"
	TopicRejected          = "request.rejected"
	TopicResponseSubmitted = "request.response_submitted"
	TopicResponseWithdrawn = "request.response_withdrawn"
	TopicAccepted          = "request.accepted"
	TopicCancelled         = "request.cancelled"
	TopicAutoClosed        = "request.auto_closed"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter appends event rows inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// OrderCreator materialises the order for an accepted request inside the
// acceptance transaction.
type OrderCreator interface {
	CreateFromAcceptedRequest(ctx context.Context, tx pgx.Tx, params order.CreateFromRequestParams) (order.Order, error)
}

// FanoutResolver computes which performers should be told about an approved
// request. Implemented by the matching package.
type FanoutResolver interface {
	VisiblePerformers(ctx context.Context, req Request) ([]performer.Performer, error)
}

// Service is the request lifecycle engine. Every mutation runs in a single
// transaction holding the request row lock, which is the per-request critical
// section of the whole system.
type Service struct {
	pool     TxBeginner
	repo     Repository
	orders   OrderCreator
	resolver FanoutResolver
	outbox   OutboxWriter

	now       func() time.Time
	idGen     func() string
	chatIDGen func() string

	autoCloseAfter time.Duration
}

func NewService(pool TxBeginner, repo Repository, orders OrderCreator, outbox OutboxWriter, autoCloseAfter time.Duration) *Service {
	return &Service{
		pool:           pool,
		repo:           repo,
		orders:         orders,
		outbox:         outbox,
		now:            time.Now,
		idGen:          func() string { return uuid.NewString() },
		chatIDGen:      func() string { return uuid.NewString() },
		autoCloseAfter: autoCloseAfter,
	}
}

func (s *Service) WithResolver(resolver FanoutResolver) *Service {
	s.resolver = resolver
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// CreateParams carries the client's new-request submission.
type CreateParams struct {
	ClientID          string
	ServiceID         string
	OfferIDs          []string
	Description       string
	Address           string
	City              string
	District          string
	Phone             string
	PriceLimit        *int64
	DueDate           *time.Time
	TimePeriod        string
	WorkLocation      WorkLocation
	PhotoURLs         []string
	Type              Type
	TargetPerformerID string
}

func (p CreateParams) violations() []string {
	var v []string
	if p.ClientID == "" {
		v = append(v, "client id is required")
	}
	if p.ServiceID == "" {
		v = append(v, "service id is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		v = append(v, "description must not be empty")
	}
	if strings.TrimSpace(p.Address) == "" {
		v = append(v, "address is required")
	}
	if strings.TrimSpace(p.City) == "" {
		v = append(v, "city is required")
	}
	if strings.TrimSpace(p.Phone) == "" {
		v = append(v, "phone is required")
	}
	if !p.WorkLocation.Valid() {
		v = append(v, fmt.Sprintf("unknown work location %q", p.WorkLocation))
	}
	if !p.Type.Valid() {
		v = append(v, fmt.Sprintf("unknown request type %q", p.Type))
	} else {
		// targetPerformerId is set iff the type solicits a performer directly
		if p.Type.Targeted() && p.TargetPerformerID == "" {
			v = append(v, fmt.Sprintf("target performer id is required for %s requests", p.Type))
		}
		if !p.Type.Targeted() && p.TargetPerformerID != "" {
			v = append(v, "target performer id must be empty for to_all requests")
		}
	}
	if p.PriceLimit != nil && *p.PriceLimit <= 0 {
		v = append(v, "price limit must be positive")
	}
	if p.DueDate != nil && p.TimePeriod != "" {
		v = append(v, "due date and free time period are mutually exclusive")
	}
	return v
}

// Create validates the submission reporting every violation at once, then
// persists the request as pending both in lifecycle and moderation.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if err := apperr.Validation(params.violations()); err != nil {
		return Request{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := Request{
		ID:           s.idGen(),
		ClientID:     params.ClientID,
		ServiceID:    params.ServiceID,
		OfferIDs:     params.OfferIDs,
		Description:  strings.TrimSpace(params.Description),
		Address:      strings.TrimSpace(params.Address),
		City:         strings.TrimSpace(params.City),
		District:     strings.TrimSpace(params.District),
		Phone:        strings.TrimSpace(params.Phone),
		PriceLimit:   params.PriceLimit,
		DueDate:      params.DueDate,
		TimePeriod:   strings.TrimSpace(params.TimePeriod),
		WorkLocation: params.WorkLocation,
		PhotoURLs:    params.PhotoURLs,
		Type:         params.Type,
	}
	if params.TargetPerformerID != "" {
		target := params.TargetPerformerID
		req.TargetPerformerID = &target
	}

	created, err := s.repo.Create(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicCreated, map[string]any{
		"request_id": created.ID,
		"client_id":  created.ClientID,
		"service_id": created.ServiceID,
		"type":       created.Type,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit create: %w", err)
	}
	return created, nil
}

// Approve clears the moderation gate. Fan-out happens here, not at creation:
// performers only learn about a request once a moderator has approved it.
func (s *Service) Approve(ctx context.Context, requestID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin approve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.ModerationStatus != ModerationPending {
		return Request{}, fmt.Errorf("request: moderation already %s: %w", req.ModerationStatus, apperr.ErrInvalidState)
	}
	if req.Status != StatusPending {
		return Request{}, fmt.Errorf("request: approve %s request: %w", req.Status, apperr.ErrInvalidState)
	}

	updated, err := s.repo.SetModeration(ctx, tx, requestID, ModerationApproved, nil)
	if err != nil {
		return Request{}, err
	}

	payload := map[string]any{
		"request_id": updated.ID,
		"client_id":  updated.ClientID,
		"service_id": updated.ServiceID,
	}
	if s.resolver != nil {
		visible, err := s.resolver.VisiblePerformers(ctx, updated)
		if err != nil {
			return Request{}, err
		}
		ids := make([]string, 0, len(visible))
		for _, p := range visible {
			ids = append(ids, p.ID)
		}
		payload["visible_performer_ids"] = ids
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicApproved, payload); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit approve: %w", err)
	}
	updated.Responses = req.Responses
	return updated, nil
}

// Reject closes the moderation gate with a reason for the client.
func (s *Service) Reject(ctx context.Context, requestID, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, apperr.Validation([]string{"rejection reason is required"})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin reject tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.ModerationStatus != ModerationPending {
		return Request{}, fmt.Errorf("request: moderation already %s: %w", req.ModerationStatus, apperr.ErrInvalidState)
	}

	updated, err := s.repo.SetModeration(ctx, tx, requestID, ModerationRejected, &reason)
	if err != nil {
		return Request{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicRejected, map[string]any{
		"request_id": updated.ID,
		"client_id":  updated.ClientID,
		"reason":     reason,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit reject: %w", err)
	}
	return updated, nil
}

type SubmitResponseParams struct {
	RequestID   string
	PerformerID string
	Price       int64
	Comment     string
}

// SubmitResponse upserts the performer's priced proposal. Legal only while the
// request is pending and approved; on a to_one request only the direct target
// may respond.
func (s *Service) SubmitResponse(ctx context.Context, params SubmitResponseParams) (Response, error) {
	var v []string
	if params.RequestID == "" {
		v = append(v, "request id is required")
	}
	if params.PerformerID == "" {
		v = append(v, "performer id is required")
	}
	if params.Price <= 0 {
		v = append(v, "price must be positive")
	}
	if err := apperr.Validation(v); err != nil {
		return Response{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("request: begin response tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Response{}, err
	}
	if req.Status != StatusPending {
		return Response{}, fmt.Errorf("request: respond to %s request: %w", req.Status, apperr.ErrInvalidState)
	}
	if req.ModerationStatus != ModerationApproved {
		return Response{}, fmt.Errorf("request: respond before approval: %w", apperr.ErrInvalidState)
	}
	if req.Type == TypeToOne && (req.TargetPerformerID == nil || *req.TargetPerformerID != params.PerformerID) {
		return Response{}, fmt.Errorf("request: performer is not the target: %w", apperr.ErrForbidden)
	}

	resp, err := s.repo.UpsertResponse(ctx, tx, Response{
		RequestID:   params.RequestID,
		PerformerID: params.PerformerID,
		Price:       params.Price,
		Comment:     strings.TrimSpace(params.Comment),
		RespondedAt: s.now(),
	})
	if err != nil {
		return Response{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicResponseSubmitted, map[string]any{
		"request_id":   req.ID,
		"client_id":    req.ClientID,
		"performer_id": params.PerformerID,
		"price":        params.Price,
	}); err != nil {
		return Response{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Response{}, fmt.Errorf("request: commit response: %w", err)
	}
	return resp, nil
}

// WithdrawResponse removes the performer's proposal while the request is still
// pending. Responses freeze the moment the request leaves pending.
func (s *Service) WithdrawResponse(ctx context.Context, requestID, performerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("request: begin withdraw tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return fmt.Errorf("request: withdraw from %s request: %w", req.Status, apperr.ErrInvalidState)
	}

	if err := s.repo.DeleteResponse(ctx, tx, requestID, performerID); err != nil {
		return err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicResponseWithdrawn, map[string]any{
		"request_id":   req.ID,
		"client_id":    req.ClientID,
		"performer_id": performerID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("request: commit withdraw: %w", err)
	}
	return nil
}

type AcceptParams struct {
	RequestID   string
	ClientID    string
	PerformerID string
}

// AcceptResult bundles the activated request with the order it produced.
type AcceptResult struct {
	Request Request
	Order   order.Order
}

// Accept selects one response and activates the request. The row lock plus the
// guarded update in MarkAccepted guarantee exactly one acceptance ever
// succeeds; every concurrent caller observes a non-pending request and fails
// with ErrInvalidState. The order is created in the same transaction, so an
// active request without its order can never be observed.
func (s *Service) Accept(ctx context.Context, params AcceptParams) (AcceptResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("request: begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return AcceptResult{}, err
	}
	if req.ClientID != params.ClientID {
		return AcceptResult{}, fmt.Errorf("request: not owned by client: %w", apperr.ErrForbidden)
	}
	if req.Status != StatusPending {
		return AcceptResult{}, fmt.Errorf("request: accept %s request: %w", req.Status, apperr.ErrInvalidState)
	}
	resp, ok := req.ResponseBy(params.PerformerID)
	if !ok {
		return AcceptResult{}, fmt.Errorf("request: no response from performer %s: %w", params.PerformerID, apperr.ErrNotFound)
	}

	updated, err := s.repo.MarkAccepted(ctx, tx, req.ID, params.PerformerID)
	if err != nil {
		return AcceptResult{}, err
	}

	ord, err := s.orders.CreateFromAcceptedRequest(ctx, tx, order.CreateFromRequestParams{
		RequestID:   updated.ID,
		ClientID:    updated.ClientID,
		PerformerID: params.PerformerID,
		ChatID:      s.chatIDGen(),
	})
	if err != nil {
		return AcceptResult{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicAccepted, map[string]any{
		"request_id":   updated.ID,
		"order_id":     ord.ID,
		"client_id":    updated.ClientID,
		"performer_id": params.PerformerID,
		"price":        resp.Price,
	}); err != nil {
		return AcceptResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("request: commit accept: %w", err)
	}

	// Responses stay in the row set for audit; they are frozen by the status
	// checks in SubmitResponse/WithdrawResponse.
	updated.Responses = req.Responses
	return AcceptResult{Request: updated, Order: ord}, nil
}

type CancelParams struct {
	RequestID string
	ActorID   string
	ActorRole string
	Reason    string
}

// Cancel terminates a pending or active request, attributed to the actor. An
// active request's order is canceled in the same transaction. A cancellation
// racing an acceptance is settled by the row lock: whoever enters the critical
// section second sees a state that rejects the move.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Request, error) {
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Request{}, apperr.Validation([]string{"cancellation reason is required"})
	}

	role := strings.ToLower(params.ActorRole)
	var target Status
	switch role {
	case "client":
		target = StatusCanceledByClient
	case "performer":
		target = StatusCanceledByPerformer
	default:
		return Request{}, fmt.Errorf("request: cancel as %q: %w", params.ActorRole, apperr.ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Request{}, err
	}

	if role == "client" && req.ClientID != params.ActorID {
		return Request{}, fmt.Errorf("request: not owned by client: %w", apperr.ErrForbidden)
	}
	if role == "performer" && !performerMayCancel(req, params.ActorID) {
		return Request{}, fmt.Errorf("request: performer not party to request: %w", apperr.ErrForbidden)
	}

	if !CanTransition(req.Status, target) {
		return Request{}, fmt.Errorf("request: cancel %s request: %w", req.Status, apperr.ErrInvalidState)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, req.ID, target, &reason)
	if err != nil {
		return Request{}, err
	}
	if req.Status == StatusActive {
		if err := s.repo.CancelOrderForRequest(ctx, tx, req.ID, reason); err != nil {
			return Request{}, err
		}
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicCancelled, map[string]any{
		"request_id":  updated.ID,
		"client_id":   updated.ClientID,
		"canceled_by": role,
		"reason":      reason,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit cancel: %w", err)
	}
	updated.Responses = req.Responses
	return updated, nil
}

// performerMayCancel: before activation only the direct target may decline;
// after activation only the selected performer may cancel.
func performerMayCancel(req Request, performerID string) bool {
	switch req.Status {
	case StatusPending:
		return req.TargetPerformerID != nil && *req.TargetPerformerID == performerID
	case StatusActive:
		return req.SelectedPerformerID != nil && *req.SelectedPerformerID == performerID
	}
	return false
}

// AutoClose closes a pending request that has outlived the deadline with zero
// responses. The check re-runs under the row lock, so a response or acceptance
// landing concurrently wins.
func (s *Service) AutoClose(ctx context.Context, requestID string, now time.Time) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin auto-close tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, fmt.Errorf("request: auto-close %s request: %w", req.Status, apperr.ErrInvalidState)
	}
	if len(req.Responses) > 0 {
		return Request{}, fmt.Errorf("request: auto-close with responses: %w", apperr.ErrInvalidState)
	}
	if req.CreatedAt.Add(s.autoCloseAfter).After(now) {
		return Request{}, fmt.Errorf("request: auto-close before deadline: %w", apperr.ErrInvalidState)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, req.ID, StatusClosedAutomatically, nil)
	if err != nil {
		return Request{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicAutoClosed, map[string]any{
		"request_id": updated.ID,
		"client_id":  updated.ClientID,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit auto-close: %w", err)
	}
	return updated, nil
}

// SweepAutoClose closes every expired pending request and returns how many it
// closed. Races lost to concurrent activity are skipped, not errors.
func (s *Service) SweepAutoClose(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListAutoCloseCandidates(ctx, now.Add(-s.autoCloseAfter))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		if _, err := s.AutoClose(ctx, id, now); err != nil {
			if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListForClient(ctx context.Context, clientID string, filters Filters) ([]Request, int, error) {
	return s.repo.ListForClient(ctx, clientID, filters)
}

func (s *Service) ListForPerformer(ctx context.Context, performerID string, filters Filters) ([]Request, int, error) {
	return s.repo.ListForPerformer(ctx, performerID, filters)
}
