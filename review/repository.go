package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/apperr"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rev Review) (Review, error)
	ListForPerformer(ctx context.Context, performerID string) ([]Review, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert writes the review inside the caller's transaction. The unique index
// on order_id turns a duplicate into ErrConflict; uniqueness is enforced by
// the constraint, never by overwrite.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rev Review) (Review, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO reviews (order_id, reviewer_id, performer_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, order_id, reviewer_id, performer_id, rating, comment, created_at`,
		rev.OrderID, rev.ReviewerID, rev.PerformerID, rev.Rating, rev.Comment)

	var out Review
	err := row.Scan(&out.ID, &out.OrderID, &out.ReviewerID, &out.PerformerID, &out.Rating, &out.Comment, &out.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Review{}, fmt.Errorf("review: order %s already reviewed: %w", rev.OrderID, apperr.ErrConflict)
		}
		return Review{}, fmt.Errorf("review: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListForPerformer(ctx context.Context, performerID string) ([]Review, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, reviewer_id, performer_id, rating, comment, created_at
		FROM reviews
		WHERE performer_id = $1
		ORDER BY created_at DESC`, performerID)
	if err != nil {
		return nil, fmt.Errorf("review: list for performer: %w", err)
	}
	defer rows.Close()

	out := []Review{}
	for rows.Next() {
		var rev Review
		if err := rows.Scan(&rev.ID, &rev.OrderID, &rev.ReviewerID, &rev.PerformerID, &rev.Rating, &rev.Comment, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}
