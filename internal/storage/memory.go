// Package storage provides an in-memory implementation of the card and
// account stores. It mirrors the PostgreSQL repositories' contract,
// including atomic rollback of serializable units of work, and backs the
// service and sweeper tests.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/repository"
)

// MemoryStore is a thread-safe in-memory card and account store.
type MemoryStore struct {
	mu       sync.RWMutex
	cards    map[uuid.UUID]*models.Card
	accounts map[uuid.UUID]*models.Account
	byName   map[string]uuid.UUID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:    make(map[uuid.UUID]*models.Card),
		accounts: make(map[uuid.UUID]*models.Account),
		byName:   make(map[string]uuid.UUID),
	}
}

func copyCard(c *models.Card) *models.Card {
	cp := *c
	if c.BlockedRequestAt != nil {
		t := *c.BlockedRequestAt
		cp.BlockedRequestAt = &t
	}
	return &cp
}

// --- CardStore ---

func (m *MemoryStore) Create(ctx context.Context, card *models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[card.ID] = copyCard(card)
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCardLocked(id)
}

func (m *MemoryStore) getCardLocked(id uuid.UUID) (*models.Card, error) {
	card, ok := m.cards[id]
	if !ok {
		return nil, fmt.Errorf("card not found: %w", repository.ErrNotFound)
	}
	return copyCard(card), nil
}

func (m *MemoryStore) GetOwnedByID(ctx context.Context, accountID, id uuid.UUID) (*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.cards[id]
	if !ok || card.AccountID != accountID {
		return nil, fmt.Errorf("card not found: %w", repository.ErrNotFound)
	}
	return copyCard(card), nil
}

func (m *MemoryStore) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.cards[id]
	if !ok || card.Status != models.CardStatusActive {
		return nil, fmt.Errorf("card not found: %w", repository.ErrNotFound)
	}
	return copyCard(card), nil
}

func (m *MemoryStore) FindExpiring(ctx context.Context, asOf time.Time) ([]*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findExpiringLocked(asOf), nil
}

func (m *MemoryStore) findExpiringLocked(asOf time.Time) []*models.Card {
	var out []*models.Card
	for _, card := range m.cards {
		if card.Status != models.CardStatusExpired && !card.ExpiredIn.After(asOf) {
			out = append(out, copyCard(card))
		}
	}
	return out
}

func (m *MemoryStore) FindPendingBlock(ctx context.Context, excluded ...models.CardStatus) ([]*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPendingBlockLocked(excluded), nil
}

func (m *MemoryStore) findPendingBlockLocked(excluded []models.CardStatus) []*models.Card {
	var out []*models.Card
	for _, card := range m.cards {
		if card.BlockedRequestAt == nil {
			continue
		}
		skip := false
		for _, st := range excluded {
			if card.Status == st {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, copyCard(card))
		}
	}
	return out
}

func (m *MemoryStore) Save(ctx context.Context, card *models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[card.ID] = copyCard(card)
	return nil
}

func (m *MemoryStore) SaveAll(ctx context.Context, cards []*models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, card := range cards {
		m.cards[card.ID] = copyCard(card)
	}
	return nil
}

func (m *MemoryStore) DeleteByID(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[id]; !ok {
		return fmt.Errorf("card not found: %w", repository.ErrNotFound)
	}
	delete(m.cards, id)
	return nil
}

func (m *MemoryStore) FindPage(ctx context.Context, f repository.Filter, p repository.PageRequest) ([]*models.Card, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Card
	for _, card := range m.cards {
		ok, err := matchFilter(card, f)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, copyCard(card))
		}
	}
	total := int64(len(matched))

	field := p.Sort.Field
	if field == "" {
		field = "created_at"
	}
	sort.Slice(matched, func(i, j int) bool {
		cmp := compareCards(matched[i], matched[j], field)
		if p.Sort.Desc {
			return cmp > 0
		}
		return cmp < 0
	})

	size := p.Size
	if size <= 0 {
		size = 10
	}
	page := p.Page
	if page < 0 {
		page = 0
	}
	start := page * size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// Serializable runs fn while holding the write lock, staging every Save
// and applying the whole set only when fn succeeds. An error discards
// all staged writes, matching the transactional contract of the SQL
// store.
func (m *MemoryStore) Serializable(ctx context.Context, fn func(tx repository.CardTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, staged: make(map[uuid.UUID]*models.Card)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, card := range tx.staged {
		m.cards[id] = card
	}
	return nil
}

type memoryTx struct {
	store  *MemoryStore
	staged map[uuid.UUID]*models.Card
}

func (t *memoryTx) lookup(id uuid.UUID) (*models.Card, bool) {
	if card, ok := t.staged[id]; ok {
		return card, true
	}
	card, ok := t.store.cards[id]
	return card, ok
}

func (t *memoryTx) GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	card, ok := t.lookup(id)
	if !ok {
		return nil, fmt.Errorf("card not found: %w", repository.ErrNotFound)
	}
	return copyCard(card), nil
}

func (t *memoryTx) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	card, ok := t.lookup(id)
	if !ok || card.Status != models.CardStatusActive {
		return nil, fmt.Errorf("card not found: %w", repository.ErrNotFound)
	}
	return copyCard(card), nil
}

func (t *memoryTx) FindExpiring(ctx context.Context, asOf time.Time) ([]*models.Card, error) {
	return t.store.findExpiringLocked(asOf), nil
}

func (t *memoryTx) FindPendingBlock(ctx context.Context, excluded ...models.CardStatus) ([]*models.Card, error) {
	return t.store.findPendingBlockLocked(excluded), nil
}

func (t *memoryTx) Save(ctx context.Context, card *models.Card) error {
	t.staged[card.ID] = copyCard(card)
	return nil
}

func (t *memoryTx) SaveAll(ctx context.Context, cards []*models.Card) error {
	for _, card := range cards {
		t.staged[card.ID] = copyCard(card)
	}
	return nil
}

// --- AccountStore ---

func (m *MemoryStore) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[account.Username]; exists {
		return fmt.Errorf("username already registered: %w", repository.ErrConflict)
	}
	cp := *account
	m.accounts[account.ID] = &cp
	m.byName[account.Username] = account.ID
	return nil
}

func (m *MemoryStore) GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account not found: %w", repository.ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) GetActiveAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok || account.Status != models.AccountStatusActive {
		return nil, fmt.Errorf("account not found: %w", repository.ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[username]
	if !ok {
		return nil, fmt.Errorf("account not found: %w", repository.ErrNotFound)
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateAccountRole(ctx context.Context, id uuid.UUID, role models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: %w", repository.ErrNotFound)
	}
	account.Role = role
	return nil
}

func (m *MemoryStore) DeleteAccountByID(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return fmt.Errorf("account not found: %w", repository.ErrNotFound)
	}
	for _, card := range m.cards {
		if card.AccountID == id {
			return fmt.Errorf("account still has cards: %w", repository.ErrConflict)
		}
	}
	account := m.accounts[id]
	delete(m.byName, account.Username)
	delete(m.accounts, id)
	return nil
}

// Accounts adapts the store to the account interface, which uses shorter
// method names than the shared card/account receiver allows.
func (m *MemoryStore) Accounts() *MemoryAccounts {
	return &MemoryAccounts{store: m}
}

// MemoryAccounts exposes MemoryStore through the AccountStore contract.
type MemoryAccounts struct {
	store *MemoryStore
}

func (a *MemoryAccounts) Create(ctx context.Context, account *models.Account) error {
	return a.store.CreateAccount(ctx, account)
}

func (a *MemoryAccounts) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return a.store.GetAccountByID(ctx, id)
}

func (a *MemoryAccounts) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return a.store.GetActiveAccountByID(ctx, id)
}

func (a *MemoryAccounts) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	return a.store.GetAccountByUsername(ctx, username)
}

func (a *MemoryAccounts) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) error {
	return a.store.UpdateAccountRole(ctx, id, role)
}

func (a *MemoryAccounts) DeleteByID(ctx context.Context, id uuid.UUID) error {
	return a.store.DeleteAccountByID(ctx, id)
}

// --- filter interpretation ---

func matchFilter(card *models.Card, f repository.Filter) (bool, error) {
	if f.IsZero() {
		return true, nil
	}
	if f.Clause != nil {
		return matchClause(card, f.Clause)
	}
	if f.Junc == "OR" {
		for _, part := range f.Parts {
			ok, err := matchFilter(card, part)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	for _, part := range f.Parts {
		ok, err := matchFilter(card, part)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchClause(card *models.Card, c *repository.Clause) (bool, error) {
	switch c.Op {
	case repository.OpEqual:
		return stringValue(card, c.Field) == fmt.Sprintf("%v", c.Value), nil
	case repository.OpLike:
		return strings.Contains(
			strings.ToLower(stringValue(card, c.Field)),
			strings.ToLower(fmt.Sprintf("%v", c.Value)),
		), nil
	case repository.OpGreaterOrEqual:
		cmp, err := compareValue(card, c.Field, c.Value)
		return cmp >= 0, err
	case repository.OpLessOrEqual:
		cmp, err := compareValue(card, c.Field, c.Value)
		return cmp <= 0, err
	case repository.OpIn:
		have := stringValue(card, c.Field)
		for _, v := range c.Values {
			if have == fmt.Sprintf("%v", v) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown filter operator %d", c.Op)
	}
}

func stringValue(card *models.Card, field string) string {
	switch field {
	case "account_id":
		return card.AccountID.String()
	case "owner":
		return card.Owner
	case "status":
		return string(card.Status)
	case "balance":
		return card.Balance.String()
	case "expired_in":
		return card.ExpiredIn.Format("2006-01-02")
	case "created_at":
		return card.CreatedAt.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func compareValue(card *models.Card, field string, value any) (int, error) {
	if field == "balance" {
		want, err := toDecimal(value)
		if err != nil {
			return 0, err
		}
		return card.Balance.Cmp(want), nil
	}
	if field == "expired_in" || field == "created_at" {
		want, ok := value.(time.Time)
		if !ok {
			return 0, fmt.Errorf("field %q requires a time value", field)
		}
		have := card.ExpiredIn
		if field == "created_at" {
			have = card.CreatedAt
		}
		if have.Before(want) {
			return -1, nil
		}
		if have.After(want) {
			return 1, nil
		}
		return 0, nil
	}
	return strings.Compare(stringValue(card, field), fmt.Sprintf("%v", value)), nil
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return decimal.NewFromString(v)
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot compare %T as a number", value)
	}
}

func compareCards(a, b *models.Card, field string) int {
	switch field {
	case "balance":
		return a.Balance.Cmp(b.Balance)
	case "expired_in":
		return compareTimes(a.ExpiredIn, b.ExpiredIn)
	case "created_at":
		return compareTimes(a.CreatedAt, b.CreatedAt)
	default:
		return strings.Compare(stringValue(a, field), stringValue(b, field))
	}
}

func compareTimes(a, b time.Time) int {
	if a.Before(b) {
		return -1
	}
	if a.After(b) {
		return 1
	}
	return 0
}
