package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/repository"
	"github.com/cardledger/card-service/internal/utils"
)

// CardService is the card ledger: issuing, transfers, status changes and
// block requests. Every mutation of balance or status runs inside a
// serializable store transaction; the service never trusts a snapshot
// read outside the transaction that writes.
type CardService struct {
	cards    CardStore
	accounts AccountStore
	log      *logrus.Logger
	key      []byte
}

// NewCardService initializes the ledger service. encryptionKey is the
// hex-encoded AES key used for card numbers.
func NewCardService(cards CardStore, accounts AccountStore, encryptionKey string, log *logrus.Logger) (*CardService, error) {
	key, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes, got %d", len(key))
	}
	return &CardService{cards: cards, accounts: accounts, log: log, key: key}, nil
}

// Create issues a new card for the account. The account must exist and
// be active; the owner display name is snapshotted from the account and
// never re-derived on rename.
func (s *CardService) Create(ctx context.Context, number string, balance decimal.Decimal, expiredIn time.Time, accountID uuid.UUID) (*models.CardResponse, error) {
	if !utils.ValidCardNumber(number) {
		return nil, fmt.Errorf("card number must contain exactly 16 digits: %w", repository.ErrNotFound)
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("card balance cannot be negative: %w", repository.ErrNotFound)
	}

	account, err := s.accounts.GetActiveByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("account not found or blocked: %w", repository.ErrNotFound)
		}
		return nil, err
	}

	encrypted, err := utils.Encrypt(number, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt card number: %w", err)
	}

	card := &models.Card{
		ID:              uuid.New(),
		AccountID:       account.ID,
		Owner:           strings.ToUpper(account.LastName) + " " + strings.ToUpper(account.FirstName),
		NumberEncrypted: encrypted,
		NumberHash:      utils.HashCardNumber(number),
		Status:          models.CardStatusActive,
		Balance:         balance,
		ExpiredIn:       expiredIn,
		CreatedAt:       time.Now(),
	}

	if err := s.cards.Create(ctx, card); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"card_id":    card.ID,
		"account_id": account.ID,
	}).Info("Card created")

	resp := s.toResponse(card, number)
	return &resp, nil
}

// GetOwned returns the card only when it belongs to accountID.
func (s *CardService) GetOwned(ctx context.Context, accountID, cardID uuid.UUID) (*models.CardResponse, error) {
	card, err := s.cards.GetOwnedByID(ctx, accountID, cardID)
	if err != nil {
		return nil, err
	}
	return s.respond(card)
}

// GetByID returns any card regardless of owner. Administrative.
func (s *CardService) GetByID(ctx context.Context, cardID uuid.UUID) (*models.CardResponse, error) {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return s.respond(card)
}

// ListPage returns one page of cards matching the composed filter.
func (s *CardService) ListPage(ctx context.Context, f repository.Filter, p repository.PageRequest) (*models.Page, error) {
	cards, total, err := s.cards.FindPage(ctx, f, p)
	if err != nil {
		return nil, err
	}

	content := make([]models.CardResponse, 0, len(cards))
	for _, card := range cards {
		resp, err := s.respond(card)
		if err != nil {
			return nil, err
		}
		content = append(content, *resp)
	}

	size := p.Size
	if size <= 0 {
		size = 10
	}
	totalPages := int((total + int64(size) - 1) / int64(size))
	return &models.Page{
		Content:       content,
		Page:          p.Page,
		Size:          size,
		TotalElements: total,
		TotalPages:    totalPages,
	}, nil
}

// Transfer atomically moves amount between two ACTIVE cards owned by the
// same account. Missing card, wrong owner, wrong status and insufficient
// funds all collapse into one reported failure kind; callers see a
// message, not a cause code. Both balances change or neither does.
func (s *CardService) Transfer(ctx context.Context, accountID, sourceID, targetID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("transfer amount must be positive: %w", repository.ErrNotFound)
	}
	if sourceID == targetID {
		return fmt.Errorf("source and target card must differ: %w", repository.ErrNotFound)
	}

	err := s.cards.Serializable(ctx, func(tx repository.CardTx) error {
		source, err := tx.GetByID(ctx, sourceID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("source card not found, blocked/expired or not enough money: %w", repository.ErrNotFound)
			}
			return err
		}
		target, err := tx.GetByID(ctx, targetID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("target card not found, blocked/expired: %w", repository.ErrNotFound)
			}
			return err
		}

		if source.Status != models.CardStatusActive ||
			source.AccountID != accountID ||
			source.Balance.Sub(amount).IsNegative() {
			return fmt.Errorf("source card not found, blocked/expired or not enough money: %w", repository.ErrNotFound)
		}
		if target.Status != models.CardStatusActive || target.AccountID != accountID {
			return fmt.Errorf("target card not found, blocked/expired: %w", repository.ErrNotFound)
		}

		source.Balance = source.Balance.Sub(amount)
		target.Balance = target.Balance.Add(amount)
		return tx.SaveAll(ctx, []*models.Card{source, target})
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"source_id":  sourceID,
		"target_id":  targetID,
	}).Info("Transfer completed")
	return nil
}

// SetStatus changes a card status. EXPIRED is terminal: an expired card
// cannot be changed, and EXPIRED itself can only be set by the
// expiration sweep, never through this call. Setting BLOCKED clears a
// pending block request unconditionally.
func (s *CardService) SetStatus(ctx context.Context, cardID uuid.UUID, newStatus models.CardStatus) error {
	if newStatus == models.CardStatusExpired {
		return fmt.Errorf("status EXPIRED is set by the expiration sweep only: %w", repository.ErrNotFound)
	}
	if newStatus != models.CardStatusActive && newStatus != models.CardStatusBlocked {
		return fmt.Errorf("unknown card status %q: %w", newStatus, repository.ErrNotFound)
	}

	return s.cards.Serializable(ctx, func(tx repository.CardTx) error {
		card, err := tx.GetByID(ctx, cardID)
		if err != nil {
			return err
		}
		if card.Status == models.CardStatusExpired {
			return fmt.Errorf("card is expired: %w", repository.ErrNotFound)
		}

		if newStatus == models.CardStatusBlocked {
			card.BlockedRequestAt = nil
		}
		card.Status = newStatus
		return tx.Save(ctx, card)
	})
}

// RequestBlock records the customer's intent to block the card. It never
// changes the status itself: promotion to BLOCKED is deferred to the
// block sweep.
func (s *CardService) RequestBlock(ctx context.Context, accountID, cardID uuid.UUID) error {
	return s.cards.Serializable(ctx, func(tx repository.CardTx) error {
		card, err := tx.GetByID(ctx, cardID)
		if err != nil {
			return err
		}
		if card.AccountID != accountID {
			return fmt.Errorf("you don't have access to this card: %w", ErrAccessDenied)
		}
		if card.Status != models.CardStatusActive {
			return fmt.Errorf("card is blocked or expired: %w", repository.ErrNotFound)
		}
		if card.BlockedRequestAt != nil {
			return fmt.Errorf("the request already sent: %w", repository.ErrNotFound)
		}

		now := time.Now()
		card.BlockedRequestAt = &now
		return tx.Save(ctx, card)
	})
}

// TopUp adjusts the balance of an ACTIVE card by sum, which may be
// negative for corrections. Non-owners are rejected unless isAdmin; the
// resulting balance must stay non-negative.
func (s *CardService) TopUp(ctx context.Context, accountID, cardID uuid.UUID, sum decimal.Decimal, isAdmin bool) error {
	return s.cards.Serializable(ctx, func(tx repository.CardTx) error {
		card, err := tx.GetActiveByID(ctx, cardID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("card not found or blocked/expired: %w", repository.ErrNotFound)
			}
			return err
		}
		if card.AccountID != accountID && !isAdmin {
			return fmt.Errorf("you don't have access to this card: %w", ErrAccessDenied)
		}

		balance := card.Balance.Add(sum)
		if balance.IsNegative() {
			return fmt.Errorf("not enough money: %w", repository.ErrNotFound)
		}
		card.Balance = balance
		return tx.Save(ctx, card)
	})
}

// Delete removes a card. Administrative.
func (s *CardService) Delete(ctx context.Context, cardID uuid.UUID) error {
	if err := s.cards.DeleteByID(ctx, cardID); err != nil {
		return err
	}
	s.log.WithField("card_id", cardID).Info("Card deleted")
	return nil
}

// respond decrypts the stored number and builds the masked view.
func (s *CardService) respond(card *models.Card) (*models.CardResponse, error) {
	number, err := utils.Decrypt(card.NumberEncrypted, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt card number: %w", err)
	}
	resp := s.toResponse(card, number)
	return &resp, nil
}

func (s *CardService) toResponse(card *models.Card, number string) models.CardResponse {
	return models.CardResponse{
		ID:         card.ID,
		Number:     utils.MaskCardNumber(number),
		Owner:      card.Owner,
		Balance:    card.Balance,
		Status:     card.Status,
		ExpiryDate: card.ExpiredIn,
	}
}
