package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisHealth reports healthy while the backing Redis answers PING.
type RedisHealth struct {
	db redis.UniversalClient
}

func NewRedisHealth(db redis.UniversalClient) *RedisHealth {
	return &RedisHealth{db: db}
}

func (r *RedisHealth) Check() error {
	if err := r.db.Ping().Err(); err != nil {
		return errors.Wrap(err, "cluster store unavailable")
	}
	return nil
}
