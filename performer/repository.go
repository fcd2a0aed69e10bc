package performer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/apperr"
)

type Repository interface {
	Get(ctx context.Context, id string) (Performer, error)
	FindEligible(ctx context.Context, params EligibilityParams) ([]Performer, error)
	Search(ctx context.Context, filter SearchFilter) ([]Performer, int, error)
	SetStatus(ctx context.Context, id string, status Status) error
	GetRatingForUpdate(ctx context.Context, tx pgx.Tx, id string) (avg float64, count int, err error)
	UpdateRating(ctx context.Context, tx pgx.Tx, id string, avg float64, count int) error
	AddFavorite(ctx context.Context, clientID, performerID string) error
	RemoveFavorite(ctx context.Context, clientID, performerID string) error
	ListFavorites(ctx context.Context, clientID string) ([]Performer, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const performerColumns = `
	p.id, p.full_name, p.phone, p.type::text, p.status::text, p.description,
	p.city, p.district, p.metro,
	p.rating, p.review_count, p.is_vip, p.vip_expires_at,
	p.experience_years, p.works_remotely, p.work_address, p.photo_urls,
	p.on_service_since, p.created_at, p.updated_at,
	COALESCE((SELECT array_agg(ps.service_id::text) FROM performer_services ps WHERE ps.performer_id = p.id), '{}'),
	COALESCE((SELECT array_agg(pc.category_id::text) FROM performer_categories pc WHERE pc.performer_id = p.id), '{}')`

func scanPerformer(row pgx.Row) (Performer, error) {
	var p Performer
	var district, metro, workAddress *string
	err := row.Scan(
		&p.ID, &p.FullName, &p.Phone, &p.Type, &p.Status, &p.Description,
		&p.Location.City, &district, &metro,
		&p.Rating, &p.ReviewCount, &p.IsVIP, &p.VIPExpiresAt,
		&p.ExperienceYears, &p.WorksRemotely, &workAddress, &p.PhotoURLs,
		&p.OnServiceSince, &p.CreatedAt, &p.UpdatedAt,
		&p.ServiceIDs, &p.CategoryIDs,
	)
	if err != nil {
		return Performer{}, err
	}
	if district != nil {
		p.Location.District = *district
	}
	if metro != nil {
		p.Location.Metro = *metro
	}
	if workAddress != nil {
		p.WorkAddress = *workAddress
	}
	return p, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Performer, error) {
	query := fmt.Sprintf(`SELECT %s FROM performers p WHERE p.id = $1`, performerColumns)
	p, err := scanPerformer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Performer{}, fmt.Errorf("performer: %s: %w", id, apperr.ErrNotFound)
		}
		return Performer{}, fmt.Errorf("performer: get: %w", err)
	}
	return p, nil
}

// FindEligible returns AVAILABLE performers offering the service in the same
// city. District, VIP, rating and review count only order the result, they
// never eliminate anyone (display tie-break, not eligibility).
func (r *PGRepository) FindEligible(ctx context.Context, params EligibilityParams) ([]Performer, error) {
	if params.ServiceID == "" {
		return nil, fmt.Errorf("performer: find eligible: service id required")
	}
	if params.City == "" {
		return nil, fmt.Errorf("performer: find eligible: city required")
	}

	where := []string{
		"p.status = 'available'",
		"p.city = $1",
		"EXISTS (SELECT 1 FROM performer_services ps WHERE ps.performer_id = p.id AND ps.service_id = $2)",
	}
	args := []any{params.City, params.ServiceID}

	if params.CategoryID != "" {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM performer_categories pc WHERE pc.performer_id = p.id AND pc.category_id = $%d)", len(args)+1))
		args = append(args, params.CategoryID)
	}
	if params.TypeFilter != "" {
		where = append(where, fmt.Sprintf("p.type = $%d::performer_type", len(args)+1))
		args = append(args, params.TypeFilter)
	}

	districtArg := len(args) + 1
	args = append(args, params.District)

	query := fmt.Sprintf(`
		SELECT %s
		FROM performers p
		WHERE %s
		ORDER BY (p.district IS NOT DISTINCT FROM NULLIF($%d, '')) DESC,
		         (p.is_vip AND (p.vip_expires_at IS NULL OR p.vip_expires_at > now())) DESC,
		         p.rating DESC,
		         p.review_count DESC,
		         p.created_at ASC`,
		performerColumns, strings.Join(where, " AND "), districtArg)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("performer: find eligible: %w", err)
	}
	defer rows.Close()

	out := make([]Performer, 0, 16)
	for rows.Next() {
		p, err := scanPerformer(rows)
		if err != nil {
			return nil, fmt.Errorf("performer: scan eligible: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("performer: iterate eligible: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Search(ctx context.Context, filter SearchFilter) ([]Performer, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	where := []string{"p.status <> 'inactive'"}
	args := []any{}

	if filter.City != "" {
		where = append(where, fmt.Sprintf("p.city = $%d", len(args)+1))
		args = append(args, filter.City)
	}
	if filter.ServiceID != "" {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM performer_services ps WHERE ps.performer_id = p.id AND ps.service_id = $%d)", len(args)+1))
		args = append(args, filter.ServiceID)
	}
	if filter.CategoryID != "" {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM performer_categories pc WHERE pc.performer_id = p.id AND pc.category_id = $%d)", len(args)+1))
		args = append(args, filter.CategoryID)
	}
	if filter.TypeFilter != "" {
		where = append(where, fmt.Sprintf("p.type = $%d::performer_type", len(args)+1))
		args = append(args, filter.TypeFilter)
	}

	whereClause := strings.Join(where, " AND ")
	districtArg := len(args) + 1
	args = append(args, filter.District)

	query := fmt.Sprintf(`
		SELECT %s
		FROM performers p
		WHERE %s
		ORDER BY (p.district IS NOT DISTINCT FROM NULLIF($%d, '')) DESC,
		         (p.is_vip AND (p.vip_expires_at IS NULL OR p.vip_expires_at > now())) DESC,
		         p.rating DESC,
		         p.review_count DESC
		LIMIT %d OFFSET %d`,
		performerColumns, whereClause, districtArg, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("performer: search: %w", err)
	}
	defer rows.Close()

	out := []Performer{}
	for rows.Next() {
		p, err := scanPerformer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("performer: scan search: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("performer: iterate search: %w", err)
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM performers p WHERE %s`, whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args[:len(args)-1]...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("performer: count search: %w", err)
	}

	return out, total, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE performers SET status = $2::performer_status, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("performer: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("performer: %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// GetRatingForUpdate locks the performer row so the read-modify-write of the
// rating aggregate serializes per performer.
func (r *PGRepository) GetRatingForUpdate(ctx context.Context, tx pgx.Tx, id string) (float64, int, error) {
	var avg float64
	var count int
	err := tx.QueryRow(ctx, `SELECT rating, review_count FROM performers WHERE id = $1 FOR UPDATE`, id).Scan(&avg, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, fmt.Errorf("performer: %s: %w", id, apperr.ErrNotFound)
		}
		return 0, 0, fmt.Errorf("performer: lock rating: %w", err)
	}
	return avg, count, nil
}

func (r *PGRepository) UpdateRating(ctx context.Context, tx pgx.Tx, id string, avg float64, count int) error {
	if _, err := tx.Exec(ctx, `
		UPDATE performers SET rating = $2, review_count = $3, updated_at = now() WHERE id = $1`, id, avg, count); err != nil {
		return fmt.Errorf("performer: update rating: %w", err)
	}
	return nil
}

func (r *PGRepository) AddFavorite(ctx context.Context, clientID, performerID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO client_favorites (client_id, performer_id) VALUES ($1, $2)`, clientID, performerID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return nil // already a favorite, idempotent
			case "23503":
				return fmt.Errorf("performer: %s: %w", performerID, apperr.ErrNotFound)
			}
		}
		return fmt.Errorf("performer: add favorite: %w", err)
	}
	return nil
}

func (r *PGRepository) RemoveFavorite(ctx context.Context, clientID, performerID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM client_favorites WHERE client_id = $1 AND performer_id = $2`, clientID, performerID)
	if err != nil {
		return fmt.Errorf("performer: remove favorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("performer: favorite %s: %w", performerID, apperr.ErrNotFound)
	}
	return nil
}

func (r *PGRepository) ListFavorites(ctx context.Context, clientID string) ([]Performer, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM performers p
		JOIN client_favorites cf ON cf.performer_id = p.id
		WHERE cf.client_id = $1
		ORDER BY cf.created_at DESC`, performerColumns)

	rows, err := r.pool.Query(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("performer: list favorites: %w", err)
	}
	defer rows.Close()

	out := []Performer{}
	for rows.Next() {
		p, err := scanPerformer(rows)
		if err != nil {
			return nil, fmt.Errorf("performer: scan favorite: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("performer: iterate favorites: %w", err)
	}
	return out, nil
}
