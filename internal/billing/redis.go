package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OverClawApp/releases-sub001/internal/config"
)

// RedisLedger stores accounts in Redis:
//
//	<prefix>:token:<token>   -> user id
//	<prefix>:balance:<user>  -> integer balance
//	<prefix>:usage:<user>    -> list of JSON UsageRecords, newest first
type RedisLedger struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLedger connects and pings the server.
func NewRedisLedger(cfg config.RedisConfig) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisLedgerWithClient(rdb, cfg.Prefix), nil
}

func NewRedisLedgerWithClient(rdb *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "gateway"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix}
}

func (l *RedisLedger) tokenKey(token string) string  { return l.prefix + ":token:" + token }
func (l *RedisLedger) balanceKey(user string) string { return l.prefix + ":balance:" + user }
func (l *RedisLedger) usageKey(user string) string   { return l.prefix + ":usage:" + user }

// Seed registers accounts. Existing balances are left untouched so restarts
// do not refill spent tokens.
func (l *RedisLedger) Seed(ctx context.Context, accounts []config.AccountConfig) error {
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range accounts {
			userID := a.UserID
			if userID == "" {
				userID = a.Token
			}
			pipe.Set(ctx, l.tokenKey(a.Token), userID, 0)
			pipe.SetNX(ctx, l.balanceKey(userID), a.Balance, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}
	return nil
}

func (l *RedisLedger) Authenticate(ctx context.Context, token string) (string, error) {
	userID, err := l.rdb.Get(ctx, l.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("redis get token: %w", err)
	}
	return userID, nil
}

func (l *RedisLedger) Balance(ctx context.Context, userID string) (int64, error) {
	n, err := l.rdb.Get(ctx, l.balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get balance: %w", err)
	}
	return n, nil
}

func (l *RedisLedger) Deduct(ctx context.Context, rec UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.DecrBy(ctx, l.balanceKey(rec.UserID), rec.TokensCharged)
		pipe.LPush(ctx, l.usageKey(rec.UserID), raw)
		pipe.LTrim(ctx, l.usageKey(rec.UserID), 0, maxUsagePerUser-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis deduct: %w", err)
	}
	return nil
}

func (l *RedisLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := l.rdb.LRange(ctx, l.usageKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis usage: %w", err)
	}
	out := make([]UsageRecord, 0, len(items))
	for _, item := range items {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}
