package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chitram/api/internal/models"
)

const foreignKeyViolation = "23503"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) WithSession(ctx context.Context, fn func(Session) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(&pgSession{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgSession struct {
	q querier
}

const imageColumns = `
	id, owner_id, storage_key, filename, content_type, size_bytes, width, height,
	upload_ip, delete_token_hash, created_at, deleted_at
`

func (s *pgSession) CreateImage(ctx context.Context, image models.Image) error {
	const query = `
		INSERT INTO images (
			id, owner_id, storage_key, filename, content_type, size_bytes, width, height,
			upload_ip, delete_token_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := s.q.Exec(ctx, query,
		image.ID,
		image.OwnerID,
		image.StorageKey,
		image.Filename,
		image.ContentType,
		image.SizeBytes,
		image.Width,
		image.Height,
		image.UploadIP,
		image.DeleteTokenHash,
		image.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (s *pgSession) GetImage(ctx context.Context, id string) (models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = $1 AND deleted_at IS NULL`

	image, err := scanImage(s.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, fmt.Errorf("get image: %w", err)
	}
	return image, nil
}

func (s *pgSession) ListImages(ctx context.Context, limit, offset int) ([]models.Image, error) {
	query := `SELECT ` + imageColumns + `
		FROM images
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := s.q.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

func (s *pgSession) DeleteImage(ctx context.Context, id string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM image_derivatives WHERE image_id = $1`, id); err != nil {
		return fmt.Errorf("delete derivatives: %w", err)
	}
	tag, err := s.q.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

const derivativeColumns = `
	image_id, target_size, storage_key, width, height, status, failure_stage,
	failure_reason, attempts, created_at, updated_at
`

func (s *pgSession) GetDerivative(ctx context.Context, imageID string, size int) (models.Derivative, error) {
	query := `SELECT ` + derivativeColumns + ` FROM image_derivatives WHERE image_id = $1 AND target_size = $2`

	d, err := scanDerivative(s.q.QueryRow(ctx, query, imageID, size))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Derivative{}, ErrDerivativeNotFound
		}
		return models.Derivative{}, fmt.Errorf("get derivative: %w", err)
	}
	return d, nil
}

func (s *pgSession) ListDerivatives(ctx context.Context, imageID string) ([]models.Derivative, error) {
	query := `SELECT ` + derivativeColumns + `
		FROM image_derivatives WHERE image_id = $1 ORDER BY target_size`
	return s.queryDerivatives(ctx, query, imageID)
}

func (s *pgSession) ListDerivativesByStatus(ctx context.Context, status models.DerivativeStatus, updatedBefore time.Time, limit int) ([]models.Derivative, error) {
	query := `SELECT ` + derivativeColumns + `
		FROM image_derivatives
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`
	return s.queryDerivatives(ctx, query, status, updatedBefore, limit)
}

func (s *pgSession) queryDerivatives(ctx context.Context, query string, args ...any) ([]models.Derivative, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list derivatives: %w", err)
	}
	defer rows.Close()

	var out []models.Derivative
	for rows.Next() {
		d, err := scanDerivative(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgSession) ClaimDerivative(ctx context.Context, imageID string, size int, storageKey string, claim Claim) (bool, error) {
	const query = `
		INSERT INTO image_derivatives (
			image_id, target_size, storage_key, status, attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, 'pending', 1, NOW(), NOW()
		)
		ON CONFLICT (image_id, target_size) DO UPDATE
		SET status = 'pending',
		    storage_key = EXCLUDED.storage_key,
		    attempts = image_derivatives.attempts + 1,
		    failure_stage = '',
		    failure_reason = '',
		    updated_at = NOW()
		WHERE image_derivatives.status = ANY($4) AND image_derivatives.updated_at < $5
		RETURNING image_id
	`

	reclaim := make([]string, 0, len(claim.Reclaim))
	for _, status := range claim.Reclaim {
		reclaim = append(reclaim, string(status))
	}
	staleBefore := claim.StaleBefore
	if staleBefore.IsZero() {
		staleBefore = time.Unix(0, 0)
	}

	var live bool
	if err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM images WHERE id = $1 AND deleted_at IS NULL)`, imageID,
	).Scan(&live); err != nil {
		return false, fmt.Errorf("claim derivative: %w", err)
	}
	if !live {
		return false, ErrImageNotFound
	}

	var id string
	err := s.q.QueryRow(ctx, query, imageID, size, storageKey, reclaim, staleBefore).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return false, ErrImageNotFound
		}
		return false, fmt.Errorf("claim derivative: %w", err)
	}
	return true, nil
}

func (s *pgSession) MarkDerivativeReady(ctx context.Context, imageID string, size int, width, height int) error {
	const query = `
		UPDATE image_derivatives
		SET status = 'ready', width = $3, height = $4,
		    failure_stage = '', failure_reason = '', updated_at = NOW()
		WHERE image_id = $1 AND target_size = $2
	`
	return s.updateDerivative(ctx, query, imageID, size, width, height)
}

func (s *pgSession) MarkDerivativeFailed(ctx context.Context, imageID string, size int, stage, reason string) error {
	const query = `
		UPDATE image_derivatives
		SET status = 'failed', failure_stage = $3, failure_reason = $4, updated_at = NOW()
		WHERE image_id = $1 AND target_size = $2
	`
	return s.updateDerivative(ctx, query, imageID, size, stage, reason)
}

func (s *pgSession) updateDerivative(ctx context.Context, query string, args ...any) error {
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update derivative: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDerivativeNotFound
	}
	return nil
}

func scanImage(row pgx.Row) (models.Image, error) {
	var image models.Image
	err := row.Scan(
		&image.ID,
		&image.OwnerID,
		&image.StorageKey,
		&image.Filename,
		&image.ContentType,
		&image.SizeBytes,
		&image.Width,
		&image.Height,
		&image.UploadIP,
		&image.DeleteTokenHash,
		&image.CreatedAt,
		&image.DeletedAt,
	)
	return image, err
}

func scanDerivative(row pgx.Row) (models.Derivative, error) {
	var d models.Derivative
	err := row.Scan(
		&d.ImageID,
		&d.TargetSize,
		&d.StorageKey,
		&d.Width,
		&d.Height,
		&d.Status,
		&d.FailureStage,
		&d.FailureReason,
		&d.Attempts,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}
