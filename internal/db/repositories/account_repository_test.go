package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ddc-api/keyportal/internal/db/models"
)

var errDB = errors.New("db error")

var accountCols = []string{"id", "email", "display_name", "avatar_url", "created_at", "updated_at"}

func newAccountRepo(t *testing.T) (*AccountRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAccountRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func sampleAccountRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(accountCols).
		AddRow("1098-7654-3210", "ada@example.com", "Ada", "https://example.com/a.png", now, now)
}

func TestUpsertFromProvider_Success(t *testing.T) {
	repo, mock := newAccountRepo(t)
	mock.ExpectQuery("INSERT INTO accounts.*ON CONFLICT \\(id\\) DO UPDATE").
		WithArgs("1098-7654-3210", "ada@example.com", "Ada", "https://example.com/a.png", sqlmock.AnyArg()).
		WillReturnRows(sampleAccountRow())

	acct, err := repo.UpsertFromProvider(context.Background(), &models.Account{
		ID:          "1098-7654-3210",
		Email:       "ada@example.com",
		DisplayName: "Ada",
		AvatarURL:   "https://example.com/a.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.Email != "ada@example.com" {
		t.Errorf("Email = %s, want ada@example.com", acct.Email)
	}
}

func TestUpsertFromProvider_DBError(t *testing.T) {
	repo, mock := newAccountRepo(t)
	mock.ExpectQuery("INSERT INTO accounts").
		WillReturnError(errDB)

	if _, err := repo.UpsertFromProvider(context.Background(), &models.Account{ID: "x"}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestGetAccountByID_Found(t *testing.T) {
	repo, mock := newAccountRepo(t)
	mock.ExpectQuery("SELECT.*FROM accounts WHERE id").
		WithArgs("1098-7654-3210").
		WillReturnRows(sampleAccountRow())

	acct, err := repo.GetByID(context.Background(), "1098-7654-3210")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct == nil || acct.DisplayName != "Ada" {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestGetAccountByID_NotFound(t *testing.T) {
	repo, mock := newAccountRepo(t)
	mock.ExpectQuery("SELECT.*FROM accounts WHERE id").
		WillReturnRows(sqlmock.NewRows(accountCols))

	acct, err := repo.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct != nil {
		t.Errorf("expected nil, got %+v", acct)
	}
}

func TestGetAccountByID_DBError(t *testing.T) {
	repo, mock := newAccountRepo(t)
	mock.ExpectQuery("SELECT.*FROM accounts").
		WillReturnError(errDB)

	if _, err := repo.GetByID(context.Background(), "x"); err == nil {
		t.Error("expected error, got nil")
	}
}
