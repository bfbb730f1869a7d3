package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CardStatus is the lifecycle state of a card. EXPIRED is terminal.
type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
	CardStatusExpired CardStatus = "EXPIRED"
)

// Card represents a payment card tied to exactly one account.
// The plaintext number is never stored: only the ciphertext produced by
// the encryption helper and a sha256 hash kept for deduplication.
type Card struct {
	ID              uuid.UUID       `json:"id"`
	AccountID       uuid.UUID       `json:"account_id"`
	Owner           string          `json:"owner"`
	NumberEncrypted string          `json:"-"`
	NumberHash      string          `json:"-"`
	Status          CardStatus      `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	ExpiredIn       time.Time       `json:"expired_in"`
	CreatedAt       time.Time       `json:"created_at"`
	// BlockedRequestAt is non-nil only while a block request is pending
	// on an ACTIVE card. Cleared whenever the card becomes BLOCKED.
	BlockedRequestAt *time.Time `json:"blocked_request_at,omitempty"`
}

// CardResponse is the display-safe view of a card with a masked number.
type CardResponse struct {
	ID         uuid.UUID       `json:"id"`
	Number     string          `json:"number"`
	Owner      string          `json:"owner"`
	Balance    decimal.Decimal `json:"balance"`
	Status     CardStatus      `json:"status"`
	ExpiryDate time.Time       `json:"expiry_date"`
}
