package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const usageTTL = 48 * time.Hour

// RedisUsageRepo keeps daily spend per seller in a hash that expires after
// the day is over.
type RedisUsageRepo struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisUsageRepo(client *RedisClient) *RedisUsageRepo {
	return &RedisUsageRepo{
		client: client.Client,
		prefix: "paygate:spend",
		now:    time.Now,
	}
}

func (r *RedisUsageRepo) GetDailyUsage(ctx context.Context, seller string) (int, float64, error) {
	vals, err := r.client.HGetAll(ctx, r.makeKey(seller)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	payments, _ := strconv.Atoi(vals["payments"])
	amount, _ := strconv.ParseFloat(vals["amount"], 64)
	return payments, amount, nil
}

func (r *RedisUsageRepo) AddDailyUsage(ctx context.Context, seller string, payments int, amount float64) error {
	key := r.makeKey(seller)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if payments != 0 {
			p.HIncrBy(ctx, key, "payments", int64(payments))
		}
		if amount != 0 {
			p.HIncrByFloat(ctx, key, "amount", amount)
		}
		p.Expire(ctx, key, usageTTL)
		return nil
	})
	return err
}

func (r *RedisUsageRepo) makeKey(seller string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, seller, r.now().UTC().Format("2006-01-02"))
}
