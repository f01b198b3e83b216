package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BytePhi0/edulearn/internal/domain"
)

type OTPRepository interface {
	Create(ctx context.Context, email, codeHash, otpType string, expiresAt time.Time) error
	FindLive(ctx context.Context, email, otpType string) ([]domain.OTPRecord, error)
	Consume(ctx context.Context, id int64) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type otpRepository struct {
	pool *pgxpool.Pool
}

func NewOTPRepository(pool *pgxpool.Pool) OTPRepository {
	return &otpRepository{pool: pool}
}

func (r *otpRepository) Create(ctx context.Context, email, codeHash, otpType string, expiresAt time.Time) error {
	const q = `
		INSERT INTO otp_codes (email, code_hash, type, expires_at)
		VALUES ($1, $2, $3, $4)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q, email, codeHash, otpType, expiresAt)
	return err
}

// FindLive returns the unconsumed, unexpired records for (email, type),
// newest first. The limit bounds how many hash comparisons a single
// verification attempt can trigger.
func (r *otpRepository) FindLive(ctx context.Context, email, otpType string) ([]domain.OTPRecord, error) {
	const q = `
		SELECT id, email, code_hash, type, expires_at, used_at, created_at
		FROM otp_codes
		WHERE lower(email) = lower($1)
		  AND type = $2
		  AND used_at IS NULL
		  AND expires_at > now()
		ORDER BY id DESC
		LIMIT $3`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, email, otpType, domain.MaxLiveOTPChecks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.OTPRecord
	for rows.Next() {
		var rec domain.OTPRecord
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.CodeHash, &rec.Type, &rec.ExpiresAt, &rec.UsedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Consume marks a record used with a conditional update. The affected
// row count decides the race: of two concurrent attempts on the same
// record exactly one sees rows=1, the other sees the used_at already
// set and gets false. A read-then-write here would be a race.
func (r *otpRepository) Consume(ctx context.Context, id int64) (bool, error) {
	const q = `
		UPDATE otp_codes
		SET used_at = now()
		WHERE id = $1
		  AND used_at IS NULL
		  AND expires_at > now()`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}

	return result.RowsAffected() == 1, nil
}

// DeleteExpired garbage-collects rows that no longer serve audit needs:
// consumed long ago, or never consumed and long past expiry.
func (r *otpRepository) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `
		DELETE FROM otp_codes
		WHERE (used_at IS NOT NULL AND used_at < now() - interval '30 days')
		   OR (used_at IS NULL AND expires_at < now() - interval '7 days')`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}
