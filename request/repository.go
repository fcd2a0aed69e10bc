package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/apperr"
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	SetModeration(ctx context.Context, tx pgx.Tx, id string, status ModerationStatus, reason *string) (Request, error)
	UpsertResponse(ctx context.Context, tx pgx.Tx, resp Response) (Response, error)
	DeleteResponse(ctx context.Context, tx pgx.Tx, requestID, performerID string) error
	MarkAccepted(ctx context.Context, tx pgx.Tx, id, performerID string) (Request, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Request, error)
	CancelOrderForRequest(ctx context.Context, tx pgx.Tx, requestID string, reason string) error
	ListForClient(ctx context.Context, clientID string, filters Filters) ([]Request, int, error)
	ListForPerformer(ctx context.Context, performerID string, filters Filters) ([]Request, int, error)
	ListOpenApproved(ctx context.Context) ([]Request, error)
	ListAutoCloseCandidates(ctx context.Context, cutoff time.Time) ([]string, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `
	r.id, r.client_id, r.service_id, r.description, r.address, r.city, r.district, r.phone,
	r.price_limit, r.due_date, r.time_period, r.work_location::text, r.photo_urls,
	r.request_type::text, r.target_performer_id, r.status::text, r.moderation_status::text,
	r.moderation_reason, r.selected_performer_id, r.cancel_reason, r.created_at, r.updated_at,
	COALESCE((SELECT array_agg(ro.offer_id::text) FROM request_offers ro WHERE ro.request_id = r.id), '{}')`

// requestReturning is the same projection for INSERT/UPDATE ... RETURNING,
// where no table alias is in scope.
const requestReturning = `
	id, client_id, service_id, description, address, city, district, phone,
	price_limit, due_date, time_period, work_location::text, photo_urls,
	request_type::text, target_performer_id, status::text, moderation_status::text,
	moderation_reason, selected_performer_id, cancel_reason, created_at, updated_at,
	COALESCE((SELECT array_agg(ro.offer_id::text) FROM request_offers ro WHERE ro.request_id = requests.id), '{}')`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var district, timePeriod *string
	err := row.Scan(
		&req.ID, &req.ClientID, &req.ServiceID, &req.Description, &req.Address, &req.City, &district, &req.Phone,
		&req.PriceLimit, &req.DueDate, &timePeriod, &req.WorkLocation, &req.PhotoURLs,
		&req.Type, &req.TargetPerformerID, &req.Status, &req.ModerationStatus,
		&req.ModerationReason, &req.SelectedPerformerID, &req.CancelReason, &req.CreatedAt, &req.UpdatedAt,
		&req.OfferIDs,
	)
	if err != nil {
		return Request{}, err
	}
	if district != nil {
		req.District = *district
	}
	if timePeriod != nil {
		req.TimePeriod = *timePeriod
	}
	return req, nil
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := fmt.Sprintf(`
		INSERT INTO requests (id, client_id, service_id, description, address, city, district, phone,
			price_limit, due_date, time_period, work_location, photo_urls, request_type,
			target_performer_id, status, moderation_status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, NULLIF($7, ''), $8,
			$9, $10, NULLIF($11, ''), $12::work_location, $13, $14::request_type,
			$15, 'pending', 'pending')
		RETURNING %s`, requestReturning)

	row := tx.QueryRow(ctx, query,
		req.ID, req.ClientID, req.ServiceID, req.Description, req.Address, req.City, req.District, req.Phone,
		req.PriceLimit, req.DueDate, req.TimePeriod, req.WorkLocation, req.PhotoURLs, req.Type,
		req.TargetPerformerID,
	)
	created, err := scanRequest(row)
	if err != nil {
		if constraint, ok := missingReference(err); ok {
			return Request{}, fmt.Errorf("request: dangling reference (%s): %w", constraint, apperr.ErrNotFound)
		}
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}

	for _, offerID := range req.OfferIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO request_offers (request_id, offer_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, created.ID, offerID); err != nil {
			if _, ok := missingReference(err); ok {
				return Request{}, fmt.Errorf("request: offer %s does not exist: %w", offerID, apperr.ErrNotFound)
			}
			return Request{}, fmt.Errorf("request: attach offer: %w", err)
		}
	}
	created.OfferIDs = req.OfferIDs

	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM requests r WHERE r.id = $1`, requestColumns)
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("request: %s: %w", id, apperr.ErrNotFound)
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	req.Responses, err = r.loadResponses(ctx, r.pool, id)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// GetForUpdate locks the request row. Every state-changing operation goes
// through this lock, which is the per-request critical section: an acceptance,
// a cancellation, and response writes on the same request serialize here.
// Responses are read after the lock is held, so the accepted list is never
// stale.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM requests r WHERE r.id = $1 FOR UPDATE`, requestColumns)
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("request: %s: %w", id, apperr.ErrNotFound)
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	req.Responses, err = r.loadResponses(ctx, tx, id)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PGRepository) loadResponses(ctx context.Context, q querier, requestID string) ([]Response, error) {
	rows, err := q.Query(ctx, `
		SELECT id, request_id, performer_id, price, comment, responded_at
		FROM request_responses
		WHERE request_id = $1
		ORDER BY responded_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: load responses: %w", err)
	}
	defer rows.Close()

	out := []Response{}
	for rows.Next() {
		var resp Response
		if err := rows.Scan(&resp.ID, &resp.RequestID, &resp.PerformerID, &resp.Price, &resp.Comment, &resp.RespondedAt); err != nil {
			return nil, fmt.Errorf("request: scan response: %w", err)
		}
		out = append(out, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate responses: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetModeration(ctx context.Context, tx pgx.Tx, id string, status ModerationStatus, reason *string) (Request, error) {
	query := fmt.Sprintf(`
		UPDATE requests SET moderation_status = $2::moderation_status, moderation_reason = $3, updated_at = now()
		WHERE id = $1
		RETURNING %s`, requestReturning)
	req, err := scanRequest(tx.QueryRow(ctx, query, id, status, reason))
	if err != nil {
		return Request{}, fmt.Errorf("request: set moderation: %w", err)
	}
	return req, nil
}

// UpsertResponse inserts the performer's response or, when one already exists,
// replaces its price and comment. Uniqueness per (request, performer) is a
// table constraint, so there is no window for a duplicate.
func (r *PGRepository) UpsertResponse(ctx context.Context, tx pgx.Tx, resp Response) (Response, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO request_responses (request_id, performer_id, price, comment, responded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id, performer_id)
		DO UPDATE SET price = EXCLUDED.price, comment = EXCLUDED.comment, responded_at = EXCLUDED.responded_at
		RETURNING id, request_id, performer_id, price, comment, responded_at`,
		resp.RequestID, resp.PerformerID, resp.Price, resp.Comment, resp.RespondedAt)

	var out Response
	if err := row.Scan(&out.ID, &out.RequestID, &out.PerformerID, &out.Price, &out.Comment, &out.RespondedAt); err != nil {
		if _, ok := missingReference(err); ok {
			return Response{}, fmt.Errorf("request: performer %s does not exist: %w", resp.PerformerID, apperr.ErrNotFound)
		}
		return Response{}, fmt.Errorf("request: upsert response: %w", err)
	}
	return out, nil
}

// missingReference reports whether err is a foreign-key violation, i.e. the
// caller named an entity id that has no row. The constraint name identifies
// which reference was dangling.
func missingReference(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func (r *PGRepository) DeleteResponse(ctx context.Context, tx pgx.Tx, requestID, performerID string) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM request_responses WHERE request_id = $1 AND performer_id = $2`, requestID, performerID)
	if err != nil {
		return fmt.Errorf("request: delete response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request: response by %s: %w", performerID, apperr.ErrNotFound)
	}
	return nil
}

// MarkAccepted performs the PENDING -> ACTIVE transition and records the
// selected performer in one guarded statement. The WHERE clause is the
// compare-and-swap: a request that already left pending, or already has a
// selection, matches zero rows and the caller reports the lost race.
func (r *PGRepository) MarkAccepted(ctx context.Context, tx pgx.Tx, id, performerID string) (Request, error) {
	query := fmt.Sprintf(`
		UPDATE requests
		SET status = 'active', selected_performer_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending' AND selected_performer_id IS NULL
		RETURNING %s`, requestReturning)
	req, err := scanRequest(tx.QueryRow(ctx, query, id, performerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("request: accept: %w", apperr.ErrInvalidState)
		}
		return Request{}, fmt.Errorf("request: mark accepted: %w", err)
	}
	return req, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Request, error) {
	query := fmt.Sprintf(`
		UPDATE requests
		SET status = $2::request_status, cancel_reason = COALESCE($3, cancel_reason), updated_at = now()
		WHERE id = $1
		RETURNING %s`, requestReturning)
	req, err := scanRequest(tx.QueryRow(ctx, query, id, status, cancelReason))
	if err != nil {
		return Request{}, fmt.Errorf("request: update status: %w", err)
	}
	return req, nil
}

// CancelOrderForRequest mirrors a request cancellation onto its order inside
// the same transaction. No-op when no active order exists.
func (r *PGRepository) CancelOrderForRequest(ctx context.Context, tx pgx.Tx, requestID string, reason string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'canceled', cancel_reason = $2, updated_at = now()
		WHERE request_id = $1 AND status = 'active'`, requestID, reason); err != nil {
		return fmt.Errorf("request: cancel linked order: %w", err)
	}
	return nil
}

func (r *PGRepository) ListForClient(ctx context.Context, clientID string, filters Filters) ([]Request, int, error) {
	return r.list(ctx, `r.client_id = $1`, clientID, filters)
}

// ListForPerformer covers every request the performer participates in: ones
// they responded to, were targeted by, or were selected for.
func (r *PGRepository) ListForPerformer(ctx context.Context, performerID string, filters Filters) ([]Request, int, error) {
	participation := `(r.target_performer_id = $1 OR r.selected_performer_id = $1
		OR EXISTS (SELECT 1 FROM request_responses rr WHERE rr.request_id = r.id AND rr.performer_id = $1))`
	return r.list(ctx, participation, performerID, filters)
}

func (r *PGRepository) list(ctx context.Context, participantClause, participantID string, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{participantClause}
	args := []any{participantID}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("r.status = $%d::request_status", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := strings.Join(where, " AND ")

	query := fmt.Sprintf(`
		SELECT %s FROM requests r
		WHERE %s
		ORDER BY r.created_at DESC
		LIMIT %d OFFSET %d`,
		requestColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: list: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("request: scan list: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	for i := range out {
		out[i].Responses, err = r.loadResponses(ctx, r.pool, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM requests r WHERE %s`, whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return out, total, nil
}

// ListOpenApproved returns every request performers may currently browse. The
// matching resolver narrows it per performer.
func (r *PGRepository) ListOpenApproved(ctx context.Context) ([]Request, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM requests r
		WHERE r.status = 'pending' AND r.moderation_status = 'approved'
		ORDER BY r.created_at DESC`, requestColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("request: list open: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan open: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate open: %w", err)
	}
	return out, nil
}

// ListAutoCloseCandidates finds pending requests created before the cutoff
// that drew zero responses. The engine re-checks each under its row lock
// before closing.
func (r *PGRepository) ListAutoCloseCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id FROM requests r
		WHERE r.status = 'pending'
		  AND r.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM request_responses rr WHERE rr.request_id = r.id)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("request: list auto-close candidates: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("request: scan candidate: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate candidates: %w", err)
	}
	return out, nil
}
