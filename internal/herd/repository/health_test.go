package repository

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisHealth(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	checker := NewRedisHealth(client)
	assert.NoError(t, checker.Check())

	db.Close()
	assert.Error(t, checker.Check())
}
