package request

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/apperr"
	"taskmarket/order"
	"taskmarket/outbox"
)

// TestLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL and
// walks a request from creation through acceptance and cancellation, verifying
// the single-order invariant against the live schema.
func TestLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"requests", "request_responses", "orders", "outbox", "performers", "clients", "services"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("database schema missing table %s; apply migrations first", table)
		}
	}

	var (
		categoryID string
		serviceID  string
		clientID   string
		performerA string
		performerB string
	)

	suffix := time.Now().UnixNano()
	mustScan := func(dest *string, query string, args ...any) {
		t.Helper()
		if err := pool.QueryRow(ctx, query, args...).Scan(dest); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	mustScan(&categoryID, `INSERT INTO categories (name) VALUES ($1) RETURNING id`,
		fmt.Sprintf("itest-category-%d", suffix))
	mustScan(&serviceID, `
		INSERT INTO services (category_id, name, allows_company, allows_private_individual)
		VALUES ($1, $2, true, true) RETURNING id`,
		categoryID, fmt.Sprintf("itest-service-%d", suffix))
	mustScan(&clientID, `INSERT INTO clients (full_name, phone) VALUES ($1, '+100000') RETURNING id`,
		fmt.Sprintf("itest client %d", suffix))
	mustScan(&performerA, `
		INSERT INTO performers (full_name, phone, city, status) VALUES ($1, '+100001', 'Riga', 'available') RETURNING id`,
		fmt.Sprintf("itest performer a %d", suffix))
	mustScan(&performerB, `
		INSERT INTO performers (full_name, phone, city, status) VALUES ($1, '+100002', 'Riga', 'available') RETURNING id`,
		fmt.Sprintf("itest performer b %d", suffix))
	for _, pid := range []string{performerA, performerB} {
		if _, err := pool.Exec(ctx, `INSERT INTO performer_services (performer_id, service_id) VALUES ($1, $2)`, pid, serviceID); err != nil {
			t.Fatalf("seed performer service: %v", err)
		}
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'client_id' = $1`, clientID)
		pool.Exec(ctx2, `DELETE FROM orders WHERE client_id = $1`, clientID)
		pool.Exec(ctx2, `DELETE FROM requests WHERE client_id = $1`, clientID)
		pool.Exec(ctx2, `DELETE FROM performers WHERE id IN ($1, $2)`, performerA, performerB)
		pool.Exec(ctx2, `DELETE FROM clients WHERE id = $1`, clientID)
		pool.Exec(ctx2, `DELETE FROM services WHERE id = $1`, serviceID)
		pool.Exec(ctx2, `DELETE FROM categories WHERE id = $1`, categoryID)
	})

	repo := NewRepository(pool)
	orderRepo := order.NewRepository(pool)
	orderSvc := order.NewService(pool, orderRepo, outbox.NewWriter())
	svc := NewService(pool, repo, orderSvc, outbox.NewWriter(), 72*time.Hour)

	created, err := svc.Create(ctx, CreateParams{
		ClientID:     clientID,
		ServiceID:    serviceID,
		Description:  "integration test request",
		Address:      "Main st 1",
		City:         "Riga",
		Phone:        "+100000",
		WorkLocation: WorkOnAddress,
		Type:         TypeToAll,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusPending || created.ModerationStatus != ModerationPending {
		t.Fatalf("expected pending/pending, got %s/%s", created.Status, created.ModerationStatus)
	}

	if _, err := svc.SubmitResponse(ctx, SubmitResponseParams{
		RequestID: created.ID, PerformerID: performerA, Price: 100,
	}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected rejection before approval, got %v", err)
	}

	if _, err := svc.Approve(ctx, created.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// dangling references surface as not-found, not as raw fk violations
	if _, err := svc.Create(ctx, CreateParams{
		ClientID:     clientID,
		ServiceID:    uuid.NewString(),
		Description:  "integration test request",
		Address:      "Main st 1",
		City:         "Riga",
		Phone:        "+100000",
		WorkLocation: WorkOnAddress,
		Type:         TypeToAll,
	}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown service, got %v", err)
	}
	if _, err := svc.SubmitResponse(ctx, SubmitResponseParams{
		RequestID: created.ID, PerformerID: uuid.NewString(), Price: 100,
	}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown performer, got %v", err)
	}

	if _, err := svc.SubmitResponse(ctx, SubmitResponseParams{
		RequestID: created.ID, PerformerID: performerA, Price: 100, Comment: "first offer",
	}); err != nil {
		t.Fatalf("response a: %v", err)
	}
	if _, err := svc.SubmitResponse(ctx, SubmitResponseParams{
		RequestID: created.ID, PerformerID: performerB, Price: 120,
	}); err != nil {
		t.Fatalf("response b: %v", err)
	}
	// resubmission replaces, never duplicates
	if _, err := svc.SubmitResponse(ctx, SubmitResponseParams{
		RequestID: created.ID, PerformerID: performerA, Price: 90, Comment: "lowered",
	}); err != nil {
		t.Fatalf("resubmit a: %v", err)
	}

	loaded, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.Responses) != 2 {
		t.Fatalf("expected 2 responses after resubmission, got %d", len(loaded.Responses))
	}
	if resp, ok := loaded.ResponseBy(performerA); !ok || resp.Price != 90 {
		t.Fatalf("expected replaced price 90, got %+v", resp)
	}

	result, err := svc.Accept(ctx, AcceptParams{
		RequestID: created.ID, ClientID: clientID, PerformerID: performerA,
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if result.Request.Status != StatusActive {
		t.Fatalf("expected active request, got %s", result.Request.Status)
	}
	if result.Order.PerformerID != performerA {
		t.Fatalf("expected order for performer a, got %+v", result.Order)
	}

	if _, err := svc.Accept(ctx, AcceptParams{
		RequestID: created.ID, ClientID: clientID, PerformerID: performerB,
	}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected second acceptance to lose, got %v", err)
	}

	if err := svc.WithdrawResponse(ctx, created.ID, performerB); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected responses frozen after activation, got %v", err)
	}

	var orderCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE request_id = $1`, created.ID).Scan(&orderCount); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orderCount != 1 {
		t.Fatalf("expected exactly one order, got %d", orderCount)
	}

	var acceptedEvents int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'request_id' = $2`,
		TopicAccepted, created.ID).Scan(&acceptedEvents); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if acceptedEvents != 1 {
		t.Fatalf("expected 1 accepted event, got %d", acceptedEvents)
	}

	if _, err := svc.Cancel(ctx, CancelParams{
		RequestID: created.ID, ActorID: clientID, ActorRole: "client", Reason: "integration cleanup",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var orderStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM orders WHERE request_id = $1`, created.ID).Scan(&orderStatus); err != nil {
		t.Fatalf("order status: %v", err)
	}
	if orderStatus != "canceled" {
		t.Fatalf("expected cancellation mirrored onto order, got %s", orderStatus)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
