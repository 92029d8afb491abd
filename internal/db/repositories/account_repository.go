// Package repositories implements the data access layer (repository pattern) for the key portal.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers never issue SQL directly; all database access goes through this layer.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// AccountRepository handles account database operations
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, display_name, avatar_url, created_at, updated_at`

// UpsertFromProvider records the identity provider's view of an account. The first
// sign-in creates the row; later sign-ins refresh email, name and avatar.
func (r *AccountRepository) UpsertFromProvider(ctx context.Context, account *models.Account) (*models.Account, error) {
	now := time.Now()
	query := `
		INSERT INTO accounts (id, email, display_name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + accountColumns

	stored := &models.Account{}
	err := r.db.QueryRowxContext(ctx, query,
		account.ID,
		account.Email,
		account.DisplayName,
		account.AvatarURL,
		now,
	).StructScan(stored)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetByID retrieves an account by provider subject. Returns nil, nil when absent.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account := &models.Account{}
	err := r.db.GetContext(ctx, account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}
