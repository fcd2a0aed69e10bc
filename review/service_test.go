package review

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"taskmarket/apperr"
	"taskmarket/order"
)

func completedOrder() order.Order {
	return order.Order{
		ID:          "ord-1",
		RequestID:   "req-1",
		ClientID:    "client-1",
		PerformerID: "perf-1",
		Status:      order.StatusCompleted,
	}
}

func TestSubmit_AppliesRatingInSameTx(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	directory := &fakeDirectory{newAvg: 4.5, newCount: 3}
	ob := &fakeOutbox{}
	svc := NewService(pool, repo, &fakeOrders{order: completedOrder()}, directory, ob)

	rev, err := svc.Submit(context.Background(), SubmitParams{
		OrderID: "ord-1", ReviewerID: "client-1", Rating: 5, Comment: " great work ",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rev.PerformerID != "perf-1" {
		t.Errorf("expected review attributed to perf-1, got %q", rev.PerformerID)
	}
	if rev.Comment != "great work" {
		t.Errorf("expected trimmed comment, got %q", rev.Comment)
	}
	if directory.applied != 5 {
		t.Errorf("expected rating 5 applied, got %d", directory.applied)
	}
	if len(ob.payloads) != 1 {
		t.Fatalf("expected one event, got %d", len(ob.payloads))
	}
	if ob.payloads[0]["new_average"] != 4.5 || ob.payloads[0]["review_count"] != 3 {
		t.Errorf("expected recomputed aggregate in payload, got %v", ob.payloads[0])
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestSubmit_DuplicatePerOrderConflicts(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: fmt.Errorf("review: duplicate for order ord-1: %w", apperr.ErrConflict)}
	directory := &fakeDirectory{}
	svc := NewService(pool, repo, &fakeOrders{order: completedOrder()}, directory, &fakeOutbox{})

	_, err := svc.Submit(context.Background(), SubmitParams{
		OrderID: "ord-1", ReviewerID: "client-1", Rating: 4,
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if directory.applied != 0 {
		t.Errorf("expected aggregate untouched on duplicate")
	}
	if pool.tx.committed {
		t.Errorf("expected rollback")
	}
}

func TestSubmit_OnlyOrderOwnerMayReview(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOrders{order: completedOrder()}, &fakeDirectory{}, &fakeOutbox{})

	_, err := svc.Submit(context.Background(), SubmitParams{
		OrderID: "ord-1", ReviewerID: "stranger", Rating: 4,
	})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSubmit_ActiveOrderRejected(t *testing.T) {
	ord := completedOrder()
	ord.Status = order.StatusActive
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOrders{order: ord}, &fakeDirectory{}, &fakeOutbox{})

	_, err := svc.Submit(context.Background(), SubmitParams{
		OrderID: "ord-1", ReviewerID: "client-1", Rating: 4,
	})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSubmit_RatingBounds(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOrders{order: completedOrder()}, &fakeDirectory{}, &fakeOutbox{})

	for _, rating := range []int{0, 6, -1} {
		_, err := svc.Submit(context.Background(), SubmitParams{
			OrderID: "ord-1", ReviewerID: "client-1", Rating: rating,
		})
		if _, ok := apperr.AsValidation(err); !ok {
			t.Errorf("rating %d: expected validation error, got %v", rating, err)
		}
	}
}

type fakeOrders struct {
	order order.Order
	err   error
}

func (f *fakeOrders) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (order.Order, error) {
	if f.err != nil {
		return order.Order{}, f.err
	}
	return f.order, nil
}

type fakeDirectory struct {
	applied  int
	newAvg   float64
	newCount int
}

func (f *fakeDirectory) ApplyRating(_ context.Context, _ pgx.Tx, _ string, rating int) (float64, int, error) {
	f.applied = rating
	return f.newAvg, f.newCount, nil
}

type fakeRepo struct {
	insertErr error
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, rev Review) (Review, error) {
	if f.insertErr != nil {
		return Review{}, f.insertErr
	}
	rev.ID = "rev-1"
	return rev, nil
}

func (f *fakeRepo) ListForPerformer(_ context.Context, _ string) ([]Review, error) {
	return nil, nil
}

type fakeOutbox struct {
	topics   []string
	payloads []map[string]any
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
