package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/repository"
)

// CardStore is the persistence surface the ledger needs. It is satisfied
// by repository.CardRepository and by the in-memory store used in tests.
type CardStore interface {
	repository.CardTx
	Create(ctx context.Context, card *models.Card) error
	GetOwnedByID(ctx context.Context, accountID, id uuid.UUID) (*models.Card, error)
	FindPage(ctx context.Context, f repository.Filter, p repository.PageRequest) ([]*models.Card, int64, error)
	DeleteByID(ctx context.Context, id uuid.UUID) error

	// Serializable runs fn atomically at serializable isolation: either
	// every Save inside fn is applied or none is.
	Serializable(ctx context.Context, fn func(tx repository.CardTx) error) error
}

// AccountStore is the read-mostly account surface.
type AccountStore interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetActiveByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
}
