// Package tasks holds the timer-driven jobs that promote pending card
// state: expiry dates into EXPIRED and block requests into BLOCKED.
// Each run owns its own failure boundary; an error is logged and
// swallowed so the scheduler keeps ticking and the next run retries
// against current data.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/repository"
	"github.com/cardledger/card-service/internal/service"
)

// Mailer sends best-effort block notifications. A nil Mailer disables them.
type Mailer interface {
	SendCardBlocked(to, owner string) error
}

// Sweeper runs the two scheduled card sweeps.
type Sweeper struct {
	cards    service.CardStore
	accounts service.AccountStore
	mailer   Mailer
	log      *logrus.Logger
}

// NewSweeper initializes the sweeps.
func NewSweeper(cards service.CardStore, accounts service.AccountStore, mailer Mailer, log *logrus.Logger) *Sweeper {
	return &Sweeper{cards: cards, accounts: accounts, mailer: mailer, log: log}
}

// Register schedules both sweeps on the cron runner using the
// externally configured expressions.
func (s *Sweeper) Register(c *cron.Cron, expirationSpec, blockSpec string) error {
	if _, err := c.AddFunc(expirationSpec, s.ExpireCards); err != nil {
		return err
	}
	if _, err := c.AddFunc(blockSpec, s.BlockRequested); err != nil {
		return err
	}
	return nil
}

// ExpireCards marks every card whose expiry date has passed as EXPIRED.
// The whole batch is one serializable unit of work; a second run right
// after selects nothing.
func (s *Sweeper) ExpireCards() {
	s.log.Info("Checking expired cards")

	ctx := context.Background()
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.cards.Serializable(ctx, func(tx repository.CardTx) error {
			cards, err := tx.FindExpiring(ctx, time.Now())
			if err != nil {
				return err
			}
			if len(cards) == 0 {
				return nil
			}
			for _, card := range cards {
				card.Status = models.CardStatusExpired
				// a pending block request on a now-expired card is moot
				card.BlockedRequestAt = nil
			}
			s.log.WithField("count", len(cards)).Info("Expiring cards")
			return tx.SaveAll(ctx, cards)
		})
	})
	if err != nil {
		s.log.WithError(err).Error("Error while checking expired cards")
		return
	}
	s.log.Info("Check expired cards successfully end")
}

// BlockRequested promotes pending block requests: every card with a
// request set and a status outside {BLOCKED, EXPIRED} becomes BLOCKED
// and its request flag is cleared.
func (s *Sweeper) BlockRequested() {
	s.log.Info("Block cards by user request")

	ctx := context.Background()
	var blocked []*models.Card
	err := s.withRetry(ctx, func(ctx context.Context) error {
		blocked = nil
		return s.cards.Serializable(ctx, func(tx repository.CardTx) error {
			cards, err := tx.FindPendingBlock(ctx, models.CardStatusBlocked, models.CardStatusExpired)
			if err != nil {
				return err
			}
			if len(cards) == 0 {
				return nil
			}
			for _, card := range cards {
				card.BlockedRequestAt = nil
				card.Status = models.CardStatusBlocked
			}
			if err := tx.SaveAll(ctx, cards); err != nil {
				return err
			}
			blocked = cards
			return nil
		})
	})
	if err != nil {
		s.log.WithError(err).Error("Error while blocking cards by user request")
		return
	}

	s.notifyBlocked(ctx, blocked)
	s.log.Info("Block cards by user request successfully end")
}

// notifyBlocked emails each affected account outside the transaction.
// Failures are logged only; notification is best effort.
func (s *Sweeper) notifyBlocked(ctx context.Context, cards []*models.Card) {
	if s.mailer == nil {
		return
	}
	for _, card := range cards {
		account, err := s.accounts.GetByID(ctx, card.AccountID)
		if err != nil || account.Email == "" {
			continue
		}
		if err := s.mailer.SendCardBlocked(account.Email, card.Owner); err != nil {
			s.log.WithError(err).Warnf("Failed to send block notification for card %s", card.ID)
		}
	}
}

// withRetry retries serialization conflicts with exponential backoff;
// any other error is returned as-is for the caller to log and swallow.
func (s *Sweeper) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, repository.ErrSerialization) {
			return retry.RetryableError(err)
		}
		return err
	})
}
