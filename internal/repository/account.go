package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/models"
)

// AccountRepository provides account persistence on PostgreSQL.
type AccountRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewAccountRepository initializes a new account repository
func NewAccountRepository(db *sql.DB, log *logrus.Logger) *AccountRepository {
	return &AccountRepository{db: db, log: log}
}

const accountColumns = `id, username, email, first_name, last_name, password_hash, role, status, created_at`

func scanAccount(row *sql.Row) (*models.Account, error) {
	account := &models.Account{}
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.FirstName,
		&account.LastName,
		&account.PasswordHash,
		&account.Role,
		&account.Status,
		&account.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, username, email, first_name, last_name, password_hash, role, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.Username,
		account.Email,
		account.FirstName,
		account.LastName,
		account.PasswordHash,
		account.Role,
		account.Status,
		account.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("username already registered: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves an account by id.
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE id = $1`, accountColumns)
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

// GetActiveByID retrieves an account only when its status is ACTIVE.
// This is the gate card creation goes through.
func (r *AccountRepository) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE id = $1 AND status = $2`, accountColumns)
	return scanAccount(r.db.QueryRowContext(ctx, query, id, models.AccountStatusActive))
}

// GetByUsername retrieves an account by its login name.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE username = $1`, accountColumns)
	return scanAccount(r.db.QueryRowContext(ctx, query, username))
}

// UpdateRole sets the account role.
func (r *AccountRepository) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) error {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET role = $1 WHERE id = $2`, role, id)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account not found: %w", ErrNotFound)
	}
	return nil
}

// DeleteByID removes an account. Accounts that still own cards are
// protected by the cards foreign key and reported as a conflict.
func (r *AccountRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("account still has cards: %w", ErrConflict)
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account not found: %w", ErrNotFound)
	}
	return nil
}
