package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/billing"
	"github.com/OverClawApp/releases-sub001/internal/config"
)

func TestMemoryLedger_Accounts(t *testing.T) {
	ctx := context.Background()
	l := billing.NewMemoryLedger([]config.AccountConfig{
		{Token: "oc_alice", UserID: "alice", Balance: 5000},
		{Token: "oc_bob", Balance: 10},
	})

	user, err := l.Authenticate(ctx, "oc_alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	user, err = l.Authenticate(ctx, "oc_bob")
	require.NoError(t, err)
	assert.Equal(t, "oc_bob", user, "user id defaults to the token")

	_, err = l.Authenticate(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrUnauthorized)

	balance, err := l.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestMemoryLedger_UsageNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := billing.NewMemoryLedger(nil)
	l.AddAccount("t", "u", 100)
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, l.Deduct(ctx, billing.UsageRecord{UserID: "u", Model: m, TokensCharged: 10}))
	}

	balance, _ := l.Balance(ctx, "u")
	assert.Equal(t, int64(70), balance)

	usage, err := l.Usage(ctx, "u", 2)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "c", usage[0].Model)
	assert.Equal(t, "b", usage[1].Model)
	assert.False(t, usage[0].CreatedAt.IsZero())
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	l := billing.NewMemoryLedger([]config.AccountConfig{
		{Token: "rich", UserID: "r", Balance: 2000},
		{Token: "poor", UserID: "p", Balance: 1999},
	})

	user, err := billing.Admit(ctx, l, "rich", 2000)
	require.NoError(t, err)
	assert.Equal(t, "r", user)

	user, err = billing.Admit(ctx, l, "poor", 2000)
	assert.ErrorIs(t, err, billing.ErrInsufficientBalance)
	assert.Equal(t, "p", user)

	_, err = billing.Admit(ctx, l, "  ", 2000)
	assert.ErrorIs(t, err, billing.ErrUnauthorized)

	_, err = billing.Admit(ctx, l, "stranger", 2000)
	assert.ErrorIs(t, err, billing.ErrUnauthorized)
}
