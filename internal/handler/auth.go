package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/models"
	"github.com/cardledger/card-service/internal/service"
)

// AuthHandler serves registration, login and account administration.
type AuthHandler struct {
	auth *service.AuthService
	log  *logrus.Logger
}

// NewAuthHandler initializes the auth handler.
func NewAuthHandler(auth *service.AuthService, log *logrus.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, log: log}
}

// RegisterPublicRoutes mounts the unauthenticated endpoints.
func (h *AuthHandler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
}

// RegisterAdminRoutes mounts account administration endpoints; the
// caller wraps them with the admin guard.
func (h *AuthHandler) RegisterAdminRoutes(r *mux.Router, guard func(http.HandlerFunc) http.HandlerFunc) {
	r.HandleFunc("/accounts/role", guard(h.UpdateRole)).Methods(http.MethodPut)
	r.HandleFunc("/accounts/{id}", guard(h.Delete)).Methods(http.MethodDelete)
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}

// Register handles account registration
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}
	if req.Username == "" || req.Password == "" || req.FirstName == "" || req.LastName == "" {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "username, password, first_name and last_name are required"})
		return
	}

	account, err := h.auth.Register(r.Context(), req.Username, req.Email, req.FirstName, req.LastName, req.Password)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles authentication and returns a bearer token
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondJSON(w, http.StatusUnauthorized, errorMessage{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

type roleUpdateRequest struct {
	AccountID uuid.UUID   `json:"account_id"`
	Role      models.Role `json:"role"`
}

// UpdateRole changes an account role. Admin only.
func (h *AuthHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid request body"})
		return
	}
	if req.Role != models.RoleUser && req.Role != models.RoleAdmin {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "unknown role"})
		return
	}

	if err := h.auth.UpdateRole(r.Context(), req.AccountID, req.Role); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// Delete removes an account. Admin only; accounts with cards are rejected.
func (h *AuthHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: "invalid account id"})
		return
	}

	if err := h.auth.DeleteAccount(r.Context(), id); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
