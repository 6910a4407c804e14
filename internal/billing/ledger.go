// Package billing prices upstream usage and settles it against a token
// ledger that also authenticates callers.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnauthorized        = errors.New("invalid auth token")
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

// UsageRecord is one settled request.
type UsageRecord struct {
	UserID        string    `json:"user_id"`
	Model         string    `json:"model"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	TokensCharged int64     `json:"tokens_charged"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ledger resolves bearer tokens to users and holds their token balances.
type Ledger interface {
	// Authenticate returns ErrUnauthorized for unknown tokens.
	Authenticate(ctx context.Context, token string) (userID string, err error)
	// Balance is zero for users without a balance row.
	Balance(ctx context.Context, userID string) (int64, error)
	// Deduct charges rec.TokensCharged and appends rec to the usage log.
	Deduct(ctx context.Context, rec UsageRecord) error
	// Usage lists the newest records first.
	Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error)
}

// Admit authenticates token and requires at least minBalance tokens.
func Admit(ctx context.Context, l Ledger, token string, minBalance int64) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, err := l.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("balance lookup: %w", err)
	}
	if balance < minBalance {
		return userID, ErrInsufficientBalance
	}
	return userID, nil
}
