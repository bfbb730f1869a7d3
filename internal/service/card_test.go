package service

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/repository"
	"github.com/cardledger/card-service/internal/storage"
	"github.com/cardledger/card-service/internal/utils"
)

const testEncryptionKey = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestLedger(t *testing.T) (*CardService, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc, err := NewCardService(store, store.Accounts(), testEncryptionKey, testLogger())
	if err != nil {
		t.Fatalf("failed to init card service: %v", err)
	}
	return svc, store
}

func seedAccount(t *testing.T, store *storage.MemoryStore, status models.AccountStatus) *models.Account {
	t.Helper()
	account := &models.Account{
		ID:        uuid.New(),
		Username:  "user-" + uuid.NewString(),
		Email:     "ivanov@example.com",
		FirstName: "Ivan",
		LastName:  "Ivanov",
		Role:      models.RoleUser,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func seedCard(t *testing.T, store *storage.MemoryStore, accountID uuid.UUID, balance string, status models.CardStatus) *models.Card {
	t.Helper()
	key, err := hex.DecodeString(testEncryptionKey)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	encrypted, err := utils.Encrypt("1234567812345678", key)
	if err != nil {
		t.Fatalf("failed to encrypt test number: %v", err)
	}
	card := &models.Card{
		ID:              uuid.New(),
		AccountID:       accountID,
		Owner:           "IVANOV IVAN",
		NumberEncrypted: encrypted,
		NumberHash:      utils.HashCardNumber("1234567812345678"),
		Status:          status,
		Balance:         decimal.RequireFromString(balance),
		ExpiredIn:       time.Now().AddDate(3, 0, 0),
		CreatedAt:       time.Now(),
	}
	if err := store.Create(context.Background(), card); err != nil {
		t.Fatalf("failed to seed card: %v", err)
	}
	return card
}

func mustGetCard(t *testing.T, store *storage.MemoryStore, id uuid.UUID) *models.Card {
	t.Helper()
	card, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to fetch card %s: %v", id, err)
	}
	return card
}

func TestCreate_Success(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)

	resp, err := svc.Create(context.Background(), "1234567812345678", decimal.NewFromInt(100), time.Now().AddDate(3, 0, 0), account.ID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if resp.Number != "**** **** **** 5678" {
		t.Errorf("number not masked: %q", resp.Number)
	}
	if resp.Owner != "IVANOV IVAN" {
		t.Errorf("owner snapshot wrong: %q", resp.Owner)
	}
	if resp.Status != models.CardStatusActive {
		t.Errorf("new card should be ACTIVE, got %s", resp.Status)
	}

	stored := mustGetCard(t, store, resp.ID)
	if stored.NumberEncrypted == "1234567812345678" {
		t.Error("card number stored in plaintext")
	}
	if stored.NumberHash != utils.HashCardNumber("1234567812345678") {
		t.Error("number hash not stored")
	}
}

func TestCreate_InactiveAccount(t *testing.T) {
	svc, store := newTestLedger(t)
	blocked := seedAccount(t, store, models.AccountStatusBlocked)

	_, err := svc.Create(context.Background(), "1234567812345678", decimal.Zero, time.Now().AddDate(3, 0, 0), blocked.ID)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected not-found class error, got %v", err)
	}

	_, err = svc.Create(context.Background(), "1234567812345678", decimal.Zero, time.Now().AddDate(3, 0, 0), uuid.New())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected not-found class error for missing account, got %v", err)
	}
}

func TestCreate_InvalidNumber(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)

	_, err := svc.Create(context.Background(), "123", decimal.Zero, time.Now().AddDate(3, 0, 0), account.ID)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected validation failure, got %v", err)
	}
}

func TestGetOwned(t *testing.T) {
	svc, store := newTestLedger(t)
	owner := seedAccount(t, store, models.AccountStatusActive)
	other := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, owner.ID, "50", models.CardStatusActive)

	resp, err := svc.GetOwned(context.Background(), owner.ID, card.ID)
	if err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if resp.Number != "**** **** **** 5678" {
		t.Errorf("number not masked: %q", resp.Number)
	}

	if _, err := svc.GetOwned(context.Background(), other.ID, card.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("non-owner read should report not found, got %v", err)
	}
}

func TestTransfer_MovesFunds(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	source := seedCard(t, store, account.ID, "100", models.CardStatusActive)
	target := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	err := svc.Transfer(context.Background(), account.ID, source.ID, target.ID, decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	gotSource := mustGetCard(t, store, source.ID)
	gotTarget := mustGetCard(t, store, target.ID)
	if !gotSource.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("source balance = %s, want 50", gotSource.Balance)
	}
	if !gotTarget.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("target balance = %s, want 50", gotTarget.Balance)
	}
}

func TestTransfer_Conservation(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	source := seedCard(t, store, account.ID, "73.21", models.CardStatusActive)
	target := seedCard(t, store, account.ID, "11.04", models.CardStatusActive)
	before := decimal.RequireFromString("73.21").Add(decimal.RequireFromString("11.04"))

	if err := svc.Transfer(context.Background(), account.ID, source.ID, target.ID, decimal.RequireFromString("13.37")); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	after := mustGetCard(t, store, source.ID).Balance.Add(mustGetCard(t, store, target.ID).Balance)
	if !after.Equal(before) {
		t.Errorf("funds not conserved: before %s, after %s", before, after)
	}
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	source := seedCard(t, store, account.ID, "10", models.CardStatusActive)
	target := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	err := svc.Transfer(context.Background(), account.ID, source.ID, target.ID, decimal.NewFromInt(50))
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected collapsed not-found failure, got %v", err)
	}

	if !mustGetCard(t, store, source.ID).Balance.Equal(decimal.NewFromInt(10)) {
		t.Error("source balance changed on failed transfer")
	}
	if !mustGetCard(t, store, target.ID).Balance.IsZero() {
		t.Error("target balance changed on failed transfer")
	}
}

func TestTransfer_ValidationFailures(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	stranger := seedAccount(t, store, models.AccountStatusActive)
	active := seedCard(t, store, account.ID, "100", models.CardStatusActive)
	blocked := seedCard(t, store, account.ID, "100", models.CardStatusBlocked)
	foreign := seedCard(t, store, stranger.ID, "100", models.CardStatusActive)
	fifty := decimal.NewFromInt(50)

	cases := []struct {
		name     string
		caller   uuid.UUID
		source   uuid.UUID
		target   uuid.UUID
		amount   decimal.Decimal
	}{
		{"missing source", account.ID, uuid.New(), active.ID, fifty},
		{"missing target", account.ID, active.ID, uuid.New(), fifty},
		{"blocked source", account.ID, blocked.ID, active.ID, fifty},
		{"blocked target", account.ID, active.ID, blocked.ID, fifty},
		{"foreign source", account.ID, foreign.ID, active.ID, fifty},
		{"foreign target", account.ID, active.ID, foreign.ID, fifty},
		{"caller owns neither", stranger.ID, active.ID, blocked.ID, fifty},
		{"zero amount", account.ID, active.ID, blocked.ID, decimal.Zero},
		{"negative amount", account.ID, active.ID, blocked.ID, decimal.NewFromInt(-5)},
		{"same card", account.ID, active.ID, active.ID, fifty},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Transfer(context.Background(), tc.caller, tc.source, tc.target, tc.amount)
			// every cause collapses into the same reported kind
			if !errors.Is(err, repository.ErrNotFound) {
				t.Errorf("expected not-found class error, got %v", err)
			}
			if errors.Is(err, ErrAccessDenied) {
				t.Error("transfer must not distinguish ownership failures")
			}
		})
	}

	if !mustGetCard(t, store, active.ID).Balance.Equal(decimal.NewFromInt(100)) {
		t.Error("balance changed by failed transfers")
	}
}

func TestTransfer_BalanceNeverNegative(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	source := seedCard(t, store, account.ID, "49.99", models.CardStatusActive)
	target := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	if err := svc.Transfer(context.Background(), account.ID, source.ID, target.ID, decimal.NewFromInt(50)); err == nil {
		t.Fatal("overdraw should fail")
	}
	// exact amount drains the card to zero, never below
	if err := svc.Transfer(context.Background(), account.ID, source.ID, target.ID, decimal.RequireFromString("49.99")); err != nil {
		t.Fatalf("full-balance transfer failed: %v", err)
	}
	if got := mustGetCard(t, store, source.ID).Balance; !got.IsZero() {
		t.Errorf("source balance = %s, want 0", got)
	}
}

func TestSetStatus_BlockClearsRequest(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	if err := svc.RequestBlock(context.Background(), account.ID, card.ID); err != nil {
		t.Fatalf("request block failed: %v", err)
	}
	if err := svc.SetStatus(context.Background(), card.ID, models.CardStatusBlocked); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	got := mustGetCard(t, store, card.ID)
	if got.Status != models.CardStatusBlocked {
		t.Errorf("status = %s, want BLOCKED", got.Status)
	}
	if got.BlockedRequestAt != nil {
		t.Error("blocked_request_at not cleared on block")
	}
}

func TestSetStatus_ReactivateBlocked(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusBlocked)

	if err := svc.SetStatus(context.Background(), card.ID, models.CardStatusActive); err != nil {
		t.Fatalf("reactivation failed: %v", err)
	}
	if got := mustGetCard(t, store, card.ID); got.Status != models.CardStatusActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}
}

func TestSetStatus_ExpiredIsTerminal(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusExpired)

	err := svc.SetStatus(context.Background(), card.ID, models.CardStatusActive)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected rejection, got %v", err)
	}
	if got := mustGetCard(t, store, card.ID); got.Status != models.CardStatusExpired {
		t.Errorf("expired card changed status to %s", got.Status)
	}
}

func TestSetStatus_CannotSetExpired(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	err := svc.SetStatus(context.Background(), card.ID, models.CardStatusExpired)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected rejection, got %v", err)
	}
	if got := mustGetCard(t, store, card.ID); got.Status != models.CardStatusActive {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestRequestBlock_SetsFlagOnly(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	if err := svc.RequestBlock(context.Background(), account.ID, card.ID); err != nil {
		t.Fatalf("request block failed: %v", err)
	}

	got := mustGetCard(t, store, card.ID)
	if got.BlockedRequestAt == nil {
		t.Fatal("blocked_request_at not set")
	}
	if got.Status != models.CardStatusActive {
		t.Errorf("request must not change status, got %s", got.Status)
	}
}

func TestRequestBlock_RejectsNonActiveCard(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)

	for _, status := range []models.CardStatus{models.CardStatusBlocked, models.CardStatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			card := seedCard(t, store, account.ID, "0", status)

			err := svc.RequestBlock(context.Background(), account.ID, card.ID)
			if !errors.Is(err, repository.ErrNotFound) {
				t.Errorf("expected rejection, got %v", err)
			}
			if got := mustGetCard(t, store, card.ID); got.BlockedRequestAt != nil {
				t.Error("blocked_request_at set on rejected request")
			}
		})
	}
}

func TestRequestBlock_Duplicate(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	if err := svc.RequestBlock(context.Background(), account.ID, card.ID); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	first := mustGetCard(t, store, card.ID).BlockedRequestAt

	err := svc.RequestBlock(context.Background(), account.ID, card.ID)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("duplicate request should fail, got %v", err)
	}
	second := mustGetCard(t, store, card.ID).BlockedRequestAt
	if second == nil || !second.Equal(*first) {
		t.Error("duplicate request overwrote the original timestamp")
	}
}

func TestRequestBlock_WrongOwner(t *testing.T) {
	svc, store := newTestLedger(t)
	owner := seedAccount(t, store, models.AccountStatusActive)
	other := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, owner.ID, "0", models.CardStatusActive)

	err := svc.RequestBlock(context.Background(), other.ID, card.ID)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected access denied, got %v", err)
	}
}

func TestTopUp(t *testing.T) {
	svc, store := newTestLedger(t)
	owner := seedAccount(t, store, models.AccountStatusActive)
	other := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, owner.ID, "10", models.CardStatusActive)

	if err := svc.TopUp(context.Background(), owner.ID, card.ID, decimal.NewFromInt(40), false); err != nil {
		t.Fatalf("owner topup failed: %v", err)
	}
	if got := mustGetCard(t, store, card.ID).Balance; !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", got)
	}

	if err := svc.TopUp(context.Background(), other.ID, card.ID, decimal.NewFromInt(1), false); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("non-owner should be denied, got %v", err)
	}
	if err := svc.TopUp(context.Background(), other.ID, card.ID, decimal.NewFromInt(1), true); err != nil {
		t.Errorf("admin topup failed: %v", err)
	}

	// negative adjustment may never overdraw
	if err := svc.TopUp(context.Background(), owner.ID, card.ID, decimal.NewFromInt(-1000), false); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("overdrawing adjustment should fail, got %v", err)
	}
}

func TestTopUp_InactiveCard(t *testing.T) {
	svc, store := newTestLedger(t)
	owner := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, owner.ID, "10", models.CardStatusBlocked)

	err := svc.TopUp(context.Background(), owner.ID, card.ID, decimal.NewFromInt(5), false)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected rejection for blocked card, got %v", err)
	}
}

func TestListPage_OwnerScope(t *testing.T) {
	svc, store := newTestLedger(t)
	mine := seedAccount(t, store, models.AccountStatusActive)
	theirs := seedAccount(t, store, models.AccountStatusActive)
	seedCard(t, store, mine.ID, "10", models.CardStatusActive)
	seedCard(t, store, mine.ID, "20", models.CardStatusActive)
	seedCard(t, store, theirs.ID, "30", models.CardStatusActive)

	page, err := svc.ListPage(context.Background(),
		repository.Equal("account_id", mine.ID),
		repository.PageRequest{Page: 0, Size: 10},
	)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.TotalElements != 2 || len(page.Content) != 2 {
		t.Errorf("expected 2 cards, got total=%d len=%d", page.TotalElements, len(page.Content))
	}
	for _, card := range page.Content {
		if card.Number != "**** **** **** 5678" {
			t.Errorf("listed number not masked: %q", card.Number)
		}
	}
}

func TestListPage_BalanceRangeAndPaging(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	seedCard(t, store, account.ID, "5", models.CardStatusActive)
	seedCard(t, store, account.ID, "15", models.CardStatusActive)
	seedCard(t, store, account.ID, "25", models.CardStatusActive)

	page, err := svc.ListPage(context.Background(),
		repository.And(
			repository.GreaterOrEqual("balance", decimal.NewFromInt(10)),
			repository.LessOrEqual("balance", decimal.NewFromInt(30)),
		),
		repository.PageRequest{Page: 0, Size: 1, Sort: repository.Sort{Field: "balance"}},
	)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.TotalElements != 2 {
		t.Errorf("expected 2 matches, got %d", page.TotalElements)
	}
	if page.TotalPages != 2 {
		t.Errorf("expected 2 pages, got %d", page.TotalPages)
	}
	if len(page.Content) != 1 || !page.Content[0].Balance.Equal(decimal.NewFromInt(15)) {
		t.Errorf("unexpected first page: %+v", page.Content)
	}
}

func TestDelete(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	card := seedCard(t, store, account.ID, "0", models.CardStatusActive)

	if err := svc.Delete(context.Background(), card.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetByID(context.Background(), card.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Error("card still present after delete")
	}
	if err := svc.Delete(context.Background(), card.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("double delete should report not found, got %v", err)
	}
}

// Two concurrent transfers sharing one card must behave as if executed
// in some sequential order: no funds created or destroyed, no balance
// below zero.
func TestTransfer_ConcurrentSharedCard(t *testing.T) {
	svc, store := newTestLedger(t)
	account := seedAccount(t, store, models.AccountStatusActive)
	a := seedCard(t, store, account.ID, "100", models.CardStatusActive)
	b := seedCard(t, store, account.ID, "100", models.CardStatusActive)
	c := seedCard(t, store, account.ID, "0", models.CardStatusActive)
	total := decimal.NewFromInt(200)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = svc.Transfer(context.Background(), account.ID, a.ID, b.ID, decimal.NewFromInt(5))
		}()
		go func() {
			defer wg.Done()
			_ = svc.Transfer(context.Background(), account.ID, b.ID, c.ID, decimal.NewFromInt(3))
		}()
	}
	wg.Wait()

	sum := mustGetCard(t, store, a.ID).Balance.
		Add(mustGetCard(t, store, b.ID).Balance).
		Add(mustGetCard(t, store, c.ID).Balance)
	if !sum.Equal(total) {
		t.Errorf("total balance = %s, want %s", sum, total)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID, c.ID} {
		if mustGetCard(t, store, id).Balance.IsNegative() {
			t.Errorf("card %s has negative balance", id)
		}
	}
}
