package billing_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/billing"
	"github.com/OverClawApp/releases-sub001/internal/config"
)

// setupRedisLedger needs a Redis server, GATEWAY_TEST_REDIS_ADDR or
// localhost:6379. Each test gets its own key prefix.
func setupRedisLedger(t *testing.T) *billing.RedisLedger {
	t.Helper()
	addr := os.Getenv("GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := "gateway-test-" + uuid.NewString()
	l, err := billing.NewRedisLedger(config.RedisConfig{Addr: addr, Prefix: prefix})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		_ = l.Close()
	})
	return l
}

func TestRedisLedger_SeedAuthenticateBalance(t *testing.T) {
	l := setupRedisLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Seed(ctx, []config.AccountConfig{{Token: "oc_a", UserID: "a", Balance: 3000}}))

	user, err := l.Authenticate(ctx, "oc_a")
	require.NoError(t, err)
	assert.Equal(t, "a", user)

	_, err = l.Authenticate(ctx, "oc_missing")
	assert.ErrorIs(t, err, billing.ErrUnauthorized)

	balance, err := l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	// Reseeding keeps the spent balance.
	require.NoError(t, l.Deduct(ctx, billing.UsageRecord{UserID: "a", Model: "m", TokensCharged: 500}))
	require.NoError(t, l.Seed(ctx, []config.AccountConfig{{Token: "oc_a", UserID: "a", Balance: 3000}}))
	balance, err = l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), balance)
}

func TestRedisLedger_Usage(t *testing.T) {
	l := setupRedisLedger(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, m := range []string{"a", "b", "c"} {
		require.NoError(t, l.Deduct(ctx, billing.UsageRecord{
			UserID: "u", Model: m, TokensCharged: int64(i + 1), CreatedAt: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	usage, err := l.Usage(ctx, "u", 2)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "c", usage[0].Model)
	assert.Equal(t, "b", usage[1].Model)
	assert.True(t, usage[0].CreatedAt.Equal(at.Add(2*time.Minute)))

	balance, err := l.Balance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(-6), balance)
}
