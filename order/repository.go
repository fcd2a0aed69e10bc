package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/apperr"
)

type Repository interface {
	CreateFromAcceptedRequest(ctx context.Context, tx pgx.Tx, params CreateFromRequestParams) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string, completedAt *time.Time) (Order, error)
	FinalizeRequest(ctx context.Context, tx pgx.Tx, requestID string, requestStatus string, cancelReason *string) error
	ListForClient(ctx context.Context, clientID string) ([]Order, error)
	ListForPerformer(ctx context.Context, performerID string) ([]Order, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const orderColumns = `id, request_id, client_id, performer_id, status::text, chat_id,
	contract_url, act_url, receipt_url, cancel_reason, completed_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.RequestID, &o.ClientID, &o.PerformerID, &o.Status, &o.ChatID,
		&o.ContractURL, &o.ActURL, &o.ReceiptURL, &o.CancelReason, &o.CompletedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// CreateFromAcceptedRequest inserts the order for an accepted request inside
// the caller's transaction. Idempotent: if an order already exists for the
// request it is returned as-is, never duplicated. Callers hold the request row
// lock, so the existence check cannot race another acceptance.
func (r *PGRepository) CreateFromAcceptedRequest(ctx context.Context, tx pgx.Tx, params CreateFromRequestParams) (Order, error) {
	if params.RequestID == "" || params.ClientID == "" || params.PerformerID == "" {
		return Order{}, fmt.Errorf("order: create from request: missing linkage ids")
	}

	existing, err := scanOrder(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM orders WHERE request_id = $1`, orderColumns), params.RequestID))
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return Order{}, fmt.Errorf("order: check existing: %w", err)
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO orders (request_id, client_id, performer_id, status, chat_id)
		VALUES ($1, $2, $3, 'active', $4)
		RETURNING %s`, orderColumns),
		params.RequestID, params.ClientID, params.PerformerID, params.ChatID)

	o, err := scanOrder(row)
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return o, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("order: %s: %w", id, apperr.ErrNotFound)
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return o, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1 FOR UPDATE`, orderColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("order: %s: %w", id, apperr.ErrNotFound)
		}
		return Order{}, fmt.Errorf("order: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string, completedAt *time.Time) (Order, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE orders
		SET status = $2::order_status,
		    cancel_reason = COALESCE($3, cancel_reason),
		    completed_at = COALESCE($4, completed_at),
		    updated_at = now()
		WHERE id = $1
		RETURNING %s`, orderColumns),
		id, status, cancelReason, completedAt)

	o, err := scanOrder(row)
	if err != nil {
		return Order{}, fmt.Errorf("order: update status: %w", err)
	}
	return o, nil
}

// FinalizeRequest moves the originating request to its terminal state within
// the same transaction that closed the order, so the two rows can never
// disagree. The status guard keeps the request state machine monotonic.
func (r *PGRepository) FinalizeRequest(ctx context.Context, tx pgx.Tx, requestID string, requestStatus string, cancelReason *string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE requests
		SET status = $2::request_status,
		    cancel_reason = COALESCE($3, cancel_reason),
		    updated_at = now()
		WHERE id = $1 AND status = 'active'`,
		requestID, requestStatus, cancelReason); err != nil {
		return fmt.Errorf("order: finalize request: %w", err)
	}
	return nil
}

func (r *PGRepository) ListForClient(ctx context.Context, clientID string) ([]Order, error) {
	return r.list(ctx, `client_id`, clientID)
}

func (r *PGRepository) ListForPerformer(ctx context.Context, performerID string) ([]Order, error) {
	return r.list(ctx, `performer_id`, performerID)
}

func (r *PGRepository) list(ctx context.Context, column, id string) ([]Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s = $1 ORDER BY created_at DESC`, orderColumns, column)
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order: scan list: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate list: %w", err)
	}
	return out, nil
}
