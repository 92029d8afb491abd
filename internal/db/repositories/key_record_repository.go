// key_record_repository.go implements KeyRecordRepository, the Postgres adapter for the
// per-tier api key tables: lookup by email, insert-or-fetch issuance, and the one-way
// completion write.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicateKey is returned by InsertOrFetch when a row for the same owner or
// email already exists. The caller resolves it by looking the row up again.
var ErrDuplicateKey = errors.New("api key record already exists")

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const keyRecordColumns = `id, user_email, name, api_key, complete_api_key, created_at`

// KeyRecordRepository handles api key record database operations for both tiers
type KeyRecordRepository struct {
	db *sqlx.DB
}

// NewKeyRecordRepository creates a new KeyRecordRepository
func NewKeyRecordRepository(db *sqlx.DB) *KeyRecordRepository {
	return &KeyRecordRepository{db: db}
}

func tableFor(tier models.Tier) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("unknown tier %q", tier)
	}
	return tier.Table(), nil
}

// ListByEmail returns every record of the tier owned by email, oldest first.
// The unique constraint keeps this at zero or one row; callers decide what to do
// with more.
func (r *KeyRecordRepository) ListByEmail(ctx context.Context, tier models.Tier, email string) ([]*models.KeyRecord, error) {
	table, err := tableFor(tier)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + keyRecordColumns + ` FROM ` + table + `
		WHERE user_email = $1
		ORDER BY created_at ASC, id ASC`

	records := make([]*models.KeyRecord, 0, 1)
	if err := r.db.SelectContext(ctx, &records, query, email); err != nil {
		return nil, err
	}
	for _, rec := range records {
		rec.Tier = tier
	}
	return records, nil
}

// InsertOrFetch inserts record unless a conflicting row already exists. A
// conflict swallowed by ON CONFLICT DO NOTHING (no row returned) or surfaced as
// a unique violation is reported as ErrDuplicateKey; the caller fetches the
// existing row with ListByEmail.
func (r *KeyRecordRepository) InsertOrFetch(ctx context.Context, record *models.KeyRecord) (*models.KeyRecord, error) {
	table, err := tableFor(record.Tier)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO ` + table + ` (id, user_email, name, api_key, complete_api_key, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5)
		ON CONFLICT DO NOTHING
		RETURNING ` + keyRecordColumns

	stored := &models.KeyRecord{}
	err = r.db.QueryRowxContext(ctx, query,
		record.ID,
		record.UserEmail,
		record.Name,
		record.PartialKey,
		record.CreatedAt,
	).StructScan(stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	stored.Tier = record.Tier
	return stored, nil
}

// SetCompleteKey writes complete_api_key for the email's record only while it is
// still NULL. Returns nil, nil when no row was updated (missing or already
// complete); the caller re-reads to tell the two apart.
func (r *KeyRecordRepository) SetCompleteKey(ctx context.Context, tier models.Tier, email, completeKey string) (*models.KeyRecord, error) {
	table, err := tableFor(tier)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE ` + table + `
		SET complete_api_key = $2
		WHERE user_email = $1 AND complete_api_key IS NULL
		RETURNING ` + keyRecordColumns

	stored := &models.KeyRecord{}
	err = r.db.QueryRowxContext(ctx, query, email, completeKey).StructScan(stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stored.Tier = tier
	return stored, nil
}

// CountByState returns how many records of the tier are partial and complete.
func (r *KeyRecordRepository) CountByState(ctx context.Context, tier models.Tier) (partial, complete int, err error) {
	table, err := tableFor(tier)
	if err != nil {
		return 0, 0, err
	}

	var counts struct {
		Partial  int `db:"partial"`
		Complete int `db:"complete"`
	}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE complete_api_key IS NULL) AS partial,
			COUNT(*) FILTER (WHERE complete_api_key IS NOT NULL) AS complete
		FROM ` + table
	if err := r.db.GetContext(ctx, &counts, query); err != nil {
		return 0, 0, err
	}
	return counts.Partial, counts.Complete, nil
}
