package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/cardledger/card-service/internal/models"
)

// Claims are the JWT claims issued at login: the account identity and
// its role, which gates administrative card operations.
type Claims struct {
	AccountID string      `json:"account_id"`
	Role      models.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthService owns account registration and token issuance. The ledger
// itself only consumes the result: "caller is account X with role Y".
type AuthService struct {
	accounts  AccountStore
	log       *logrus.Logger
	jwtSecret []byte
	tokenTTL  time.Duration
}

// NewAuthService initializes the auth service.
func NewAuthService(accounts AccountStore, jwtSecret string, tokenTTL time.Duration, log *logrus.Logger) *AuthService {
	return &AuthService{
		accounts:  accounts,
		log:       log,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

// Register creates a new account with a hashed password.
func (s *AuthService) Register(ctx context.Context, username, email, firstName, lastName, password string) (*models.Account, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: string(hashedPassword),
		Role:         models.RoleUser,
		Status:       models.AccountStatusActive,
		CreatedAt:    time.Now(),
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	s.log.Infof("Account registered: %s", account.Username)
	return account, nil
}

// Login authenticates an account and returns a signed JWT. Blocked
// accounts cannot log in.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	if account.Status == models.AccountStatusBlocked {
		return "", fmt.Errorf("your account is blocked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}

	claims := Claims{
		AccountID: account.ID.String(),
		Role:      account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.Infof("Account logged in: %s", account.Username)
	return tokenString, nil
}

// ParseToken validates a bearer token and returns its claims.
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// UpdateRole changes an account role. Administrative.
func (s *AuthService) UpdateRole(ctx context.Context, accountID uuid.UUID, role models.Role) error {
	return s.accounts.UpdateRole(ctx, accountID, role)
}

// DeleteAccount removes an account. Accounts that still own cards are
// rejected by the store; there is no cascade onto cards.
func (s *AuthService) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	return s.accounts.DeleteByID(ctx, accountID)
}
