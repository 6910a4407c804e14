package billing

import (
	"context"
	"sync"
	"time"

	"github.com/OverClawApp/releases-sub001/internal/config"
)

const maxUsagePerUser = 1000

// MemoryLedger keeps accounts in process. It backs local runs and tests.
type MemoryLedger struct {
	mu       sync.RWMutex
	users    map[string]string // token -> user
	balances map[string]int64
	usage    map[string][]UsageRecord // oldest first
}

func NewMemoryLedger(accounts []config.AccountConfig) *MemoryLedger {
	m := &MemoryLedger{
		users:    make(map[string]string),
		balances: make(map[string]int64),
		usage:    make(map[string][]UsageRecord),
	}
	for _, a := range accounts {
		m.AddAccount(a.Token, a.UserID, a.Balance)
	}
	return m
}

// AddAccount maps token to userID and sets the user's balance.
func (m *MemoryLedger) AddAccount(token, userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == "" {
		userID = token
	}
	m.users[token] = userID
	m.balances[userID] = balance
}

func (m *MemoryLedger) Authenticate(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.users[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func (m *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[userID], nil
}

func (m *MemoryLedger) Deduct(_ context.Context, rec UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[rec.UserID] -= rec.TokensCharged
	log := append(m.usage[rec.UserID], rec)
	if len(log) > maxUsagePerUser {
		log = log[len(log)-maxUsagePerUser:]
	}
	m.usage[rec.UserID] = log
	return nil
}

func (m *MemoryLedger) Usage(_ context.Context, userID string, limit int) ([]UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.usage[userID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]UsageRecord, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}
