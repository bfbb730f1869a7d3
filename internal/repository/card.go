package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/models"
)

var (
	// ErrNotFound covers every collapsed lookup/validation failure: the
	// caller learns a message, not which of the causes fired.
	ErrNotFound = errors.New("not found")
	// ErrSerialization marks a transaction aborted by a concurrent
	// conflicting transaction; callers are expected to retry.
	ErrSerialization = errors.New("serialization conflict")
	// ErrConflict marks a write rejected by an integrity constraint,
	// such as deleting an account that still has cards.
	ErrConflict = errors.New("conflict")
)

// CardTx is the card operation set available both in autocommit mode and
// inside a serializable transaction.
type CardTx interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error)
	GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Card, error)
	FindExpiring(ctx context.Context, asOf time.Time) ([]*models.Card, error)
	FindPendingBlock(ctx context.Context, excluded ...models.CardStatus) ([]*models.Card, error)
	Save(ctx context.Context, card *models.Card) error
	SaveAll(ctx context.Context, cards []*models.Card) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CardRepository provides card persistence on PostgreSQL.
type CardRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewCardRepository initializes a new card repository
func NewCardRepository(db *sql.DB, log *logrus.Logger) *CardRepository {
	return &CardRepository{db: db, log: log}
}

const cardColumns = `id, account_id, owner, number_encrypted, number_hash, status, balance, expired_in, created_at, blocked_request_at`

// cardFieldColumns is the static field map filter clauses and sort
// fields resolve against.
var cardFieldColumns = map[string]string{
	"account_id": "account_id",
	"owner":      "owner",
	"status":     "status",
	"balance":    "balance",
	"expired_in": "expired_in",
	"created_at": "created_at",
}

func scanCard(row interface{ Scan(dest ...any) error }) (*models.Card, error) {
	card := &models.Card{}
	var blockedAt sql.NullTime
	err := row.Scan(
		&card.ID,
		&card.AccountID,
		&card.Owner,
		&card.NumberEncrypted,
		&card.NumberHash,
		&card.Status,
		&card.Balance,
		&card.ExpiredIn,
		&card.CreatedAt,
		&blockedAt,
	)
	if err != nil {
		return nil, err
	}
	if blockedAt.Valid {
		card.BlockedRequestAt = &blockedAt.Time
	}
	return card, nil
}

func getCard(ctx context.Context, q querier, where string, args ...any) (*models.Card, error) {
	query := fmt.Sprintf(`SELECT %s FROM cards WHERE %s`, cardColumns, where)
	card, err := scanCard(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("card not found: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return card, nil
}

func listCards(ctx context.Context, q querier, query string, args ...any) ([]*models.Card, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []*models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return cards, nil
}

func saveCard(ctx context.Context, q querier, card *models.Card) error {
	query := `
		INSERT INTO cards (id, account_id, owner, number_encrypted, number_hash, status, balance, expired_in, created_at, blocked_request_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			status = EXCLUDED.status,
			balance = EXCLUDED.balance,
			expired_in = EXCLUDED.expired_in,
			blocked_request_at = EXCLUDED.blocked_request_at`
	var blockedAt sql.NullTime
	if card.BlockedRequestAt != nil {
		blockedAt = sql.NullTime{Time: *card.BlockedRequestAt, Valid: true}
	}
	_, err := q.ExecContext(ctx, query,
		card.ID,
		card.AccountID,
		card.Owner,
		card.NumberEncrypted,
		card.NumberHash,
		card.Status,
		card.Balance,
		card.ExpiredIn,
		card.CreatedAt,
		blockedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save card: %w", err)
	}
	return nil
}

func findExpiring(ctx context.Context, q querier, asOf time.Time) ([]*models.Card, error) {
	query := fmt.Sprintf(`SELECT %s FROM cards WHERE expired_in <= $1 AND status <> $2`, cardColumns)
	return listCards(ctx, q, query, asOf, models.CardStatusExpired)
}

func findPendingBlock(ctx context.Context, q querier, excluded []models.CardStatus) ([]*models.Card, error) {
	args := []any{}
	placeholders := make([]string, 0, len(excluded))
	for _, st := range excluded {
		args = append(args, st)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf(
		`SELECT %s FROM cards WHERE blocked_request_at IS NOT NULL AND status NOT IN (%s)`,
		cardColumns, strings.Join(placeholders, ", "))
	return listCards(ctx, q, query, args...)
}

// Create inserts a new card.
func (r *CardRepository) Create(ctx context.Context, card *models.Card) error {
	return saveCard(ctx, r.db, card)
}

// GetByID retrieves a card by id.
func (r *CardRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	return getCard(ctx, r.db, "id = $1", id)
}

// GetOwnedByID retrieves a card only when it belongs to accountID.
func (r *CardRepository) GetOwnedByID(ctx context.Context, accountID, id uuid.UUID) (*models.Card, error) {
	return getCard(ctx, r.db, "id = $1 AND account_id = $2", id, accountID)
}

// GetActiveByID retrieves a card only when its status is ACTIVE.
func (r *CardRepository) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	return getCard(ctx, r.db, "id = $1 AND status = $2", id, models.CardStatusActive)
}

// FindExpiring returns every non-expired card whose expiry date is on or
// before asOf.
func (r *CardRepository) FindExpiring(ctx context.Context, asOf time.Time) ([]*models.Card, error) {
	return findExpiring(ctx, r.db, asOf)
}

// FindPendingBlock returns every card with a pending block request whose
// status is not in the excluded set.
func (r *CardRepository) FindPendingBlock(ctx context.Context, excluded ...models.CardStatus) ([]*models.Card, error) {
	return findPendingBlock(ctx, r.db, excluded)
}

// Save upserts a card.
func (r *CardRepository) Save(ctx context.Context, card *models.Card) error {
	return saveCard(ctx, r.db, card)
}

// SaveAll upserts a batch of cards.
func (r *CardRepository) SaveAll(ctx context.Context, cards []*models.Card) error {
	for _, card := range cards {
		if err := saveCard(ctx, r.db, card); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByID removes a card.
func (r *CardRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("card not found: %w", ErrNotFound)
	}
	return nil
}

// FindPage returns one page of cards matching the filter plus the total
// match count.
func (r *CardRepository) FindPage(ctx context.Context, f Filter, p PageRequest) ([]*models.Card, int64, error) {
	args := []any{}
	where, err := f.ToSQL(cardFieldColumns, &args)
	if err != nil {
		return nil, 0, err
	}
	if where == "" {
		where = "TRUE"
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM cards WHERE %s`, where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count cards: %w", err)
	}

	orderBy := "created_at DESC"
	if p.Sort.Field != "" {
		column, ok := cardFieldColumns[p.Sort.Field]
		if !ok {
			return nil, 0, fmt.Errorf("unknown sort field %q", p.Sort.Field)
		}
		direction := "ASC"
		if p.Sort.Desc {
			direction = "DESC"
		}
		orderBy = column + " " + direction
	}

	if p.Size <= 0 {
		p.Size = 10
	}
	if p.Page < 0 {
		p.Page = 0
	}
	pageArgs := append(args, p.Size, p.Page*p.Size)
	query := fmt.Sprintf(`SELECT %s FROM cards WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		cardColumns, where, orderBy, len(pageArgs)-1, len(pageArgs))

	cards, err := listCards(ctx, r.db, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}

// Serializable runs fn inside a serializable transaction. Conflicting
// concurrent transactions surface as ErrSerialization so callers can
// retry; any error rolls the whole transaction back.
func (r *CardRepository) Serializable(ctx context.Context, fn func(tx CardTx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&cardTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			r.log.Errorf("rollback failed: %v", rbErr)
		}
		return markSerialization(err)
	}
	if err := tx.Commit(); err != nil {
		return markSerialization(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// markSerialization maps PostgreSQL serialization_failure (40001) onto
// the retryable sentinel.
func markSerialization(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}

type cardTx struct {
	tx *sql.Tx
}

func (t *cardTx) GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	return getCard(ctx, t.tx, "id = $1", id)
}

func (t *cardTx) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	return getCard(ctx, t.tx, "id = $1 AND status = $2", id, models.CardStatusActive)
}

func (t *cardTx) FindExpiring(ctx context.Context, asOf time.Time) ([]*models.Card, error) {
	return findExpiring(ctx, t.tx, asOf)
}

func (t *cardTx) FindPendingBlock(ctx context.Context, excluded ...models.CardStatus) ([]*models.Card, error) {
	return findPendingBlock(ctx, t.tx, excluded)
}

func (t *cardTx) Save(ctx context.Context, card *models.Card) error {
	return saveCard(ctx, t.tx, card)
}

func (t *cardTx) SaveAll(ctx context.Context, cards []*models.Card) error {
	for _, card := range cards {
		if err := saveCard(ctx, t.tx, card); err != nil {
			return err
		}
	}
	return nil
}
