package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/middleware"
	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/repository"
	"github.com/cardledger/card-service/internal/service"
)

// CardHandler serves the card API surface.
type CardHandler struct {
	cards *service.CardService
	log   *logrus.Logger
}

// NewCardHandler initializes the card handler.
func NewCardHandler(cards *service.CardService, log *logrus.Logger) *CardHandler {
	return &CardHandler{cards: cards, log: log}
}

// RegisterRoutes mounts the card endpoints on an authenticated router;
// admin-only endpoints are wrapped with the guard.
func (h *CardHandler) RegisterRoutes(r *mux.Router, guard func(http.HandlerFunc) http.HandlerFunc) {
	r.HandleFunc("/cards", guard(h.Create)).Methods(http.MethodPost)
	r.HandleFunc("/cards", h.List).Methods(http.MethodGet)
	r.HandleFunc("/cards/transfer", h.Transfer).Methods(http.MethodPut)
	r.HandleFunc("/cards/block-request", h.RequestBlock).Methods(http.MethodPut)
	r.HandleFunc("/cards/status", guard(h.SetStatus)).Methods(http.MethodPut)
	r.HandleFunc("/cards/topup", h.TopUp).Methods(http.MethodPut)
	r.HandleFunc("/cards/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/cards/{id}", guard(h.Delete)).Methods(http.MethodDelete)
}

type createCardRequest struct {
	Number    string          `json:"number"`
	Balance   decimal.Decimal `json:"balance"`
	ExpiredIn string          `json:"expired_in"`
	AccountID uuid.UUID       `json:"account_id"`
}

// Create issues a new card. Admin only.
func (h *CardHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}
	expiredIn, err := time.Parse("2006-01-02", req.ExpiredIn)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "expired_in must be a date in YYYY-MM-DD format"})
		return
	}

	card, err := h.cards.Create(r.Context(), req.Number, req.Balance, expiredIn, req.AccountID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

// List returns a page of cards. Regular users see only their own cards;
// admins see everything. Optional filters: balance range and owner
// substring.
func (h *CardHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := []repository.Filter{}
	if middleware.RoleFrom(r.Context()) != models.RoleAdmin {
		accountID, ok := middleware.AccountIDFrom(r.Context())
		if !ok {
			respondJSON(w, http.StatusUnauthorized, errorMessage{Error: "unauthenticated"})
			return
		}
		filters = append(filters, repository.Equal("account_id", accountID))
	}
	if v := q.Get("balanceGreaterThanOrEqual"); v != "" {
		min, err := decimal.NewFromString(v)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid balanceGreaterThanOrEqual"})
			return
		}
		filters = append(filters, repository.GreaterOrEqual("balance", min))
	}
	if v := q.Get("balanceLessThanOrEqual"); v != "" {
		max, err := decimal.NewFromString(v)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid balanceLessThanOrEqual"})
			return
		}
		filters = append(filters, repository.LessOrEqual("balance", max))
	}
	filters = append(filters, repository.Like("owner", q.Get("ownerLike")))

	page, _ := strconv.Atoi(q.Get("page"))
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 {
		size = 10
	}
	sort := repository.Sort{
		Field: q.Get("field"),
		Desc:  q.Get("direction") == "desc",
	}

	result, err := h.cards.ListPage(r.Context(), repository.And(filters...), repository.PageRequest{
		Page: page,
		Size: size,
		Sort: sort,
	})
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Get returns a single card: a user's own card, or any card for admins.
func (h *CardHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid card id"})
		return
	}

	var card *models.CardResponse
	if middleware.RoleFrom(r.Context()) == models.RoleAdmin {
		card, err = h.cards.GetByID(r.Context(), id)
	} else {
		accountID, ok := middleware.AccountIDFrom(r.Context())
		if !ok {
			respondJSON(w, http.StatusUnauthorized, errorMessage{Error: "unauthenticated"})
			return
		}
		card, err = h.cards.GetOwned(r.Context(), accountID, id)
	}
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

type transferRequest struct {
	SourceID uuid.UUID       `json:"source_id"`
	TargetID uuid.UUID       `json:"target_id"`
	Sum      decimal.Decimal `json:"sum"`
}

// Transfer moves funds between the caller's own cards.
func (h *CardHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFrom(r.Context())
	if !ok {
		respondJSON(w, http.StatusUnauthorized, errorMessage{Error: "unauthenticated"})
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}

	if err := h.cards.Transfer(r.Context(), accountID, req.SourceID, req.TargetID, req.Sum); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type blockRequest struct {
	TargetID uuid.UUID `json:"target_id"`
}

// RequestBlock records the caller's intent to block their card.
func (h *CardHandler) RequestBlock(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFrom(r.Context())
	if !ok {
		respondJSON(w, http.StatusUnauthorized, errorMessage{Error: "unauthenticated"})
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}

	if err := h.cards.RequestBlock(r.Context(), accountID, req.TargetID); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type statusRequest struct {
	CardID uuid.UUID         `json:"card_id"`
	Status models.CardStatus `json:"status"`
}

// SetStatus changes a card status. Admin only.
func (h *CardHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}

	if err := h.cards.SetStatus(r.Context(), req.CardID, req.Status); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type topUpRequest struct {
	CardID uuid.UUID       `json:"card_id"`
	Sum    decimal.Decimal `json:"sum"`
}

// TopUp adjusts a card balance: owners on their own cards, admins on any.
func (h *CardHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFrom(r.Context())
	if !ok {
		respondJSON(w, http.StatusUnauthorized, errorMessage{Error: "unauthenticated"})
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}

	isAdmin := middleware.RoleFrom(r.Context()) == models.RoleAdmin
	if err := h.cards.TopUp(r.Context(), accountID, req.CardID, req.Sum, isAdmin); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// Delete removes a card. Admin only.
func (h *CardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid card id"})
		return
	}

	if err := h.cards.Delete(r.Context(), id); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
