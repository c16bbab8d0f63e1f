package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisTest(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	r, err := DialRedis(context.Background(), "redis://"+mr.Addr(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return r, mr
}

func TestRedis(t *testing.T) {
	r, _ := setupRedisTest(t)
	exerciseBackend(t, r)
}

func TestRedis_Prefix(t *testing.T) {
	r, mr := setupRedisTest(t, WithPrefix("tax:"))

	require.NoError(t, r.Set(context.Background(), "auth_method", "sso"))

	v, err := mr.Get("tax:auth_method")
	require.NoError(t, err)
	assert.Equal(t, "sso", v)
	assert.False(t, mr.Exists("auth_method"))
}

func TestRedis_TTL(t *testing.T) {
	r, mr := setupRedisTest(t, WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "provider_grant", "{}"))
	assert.Equal(t, time.Minute, mr.TTL("sessionbridge:provider_grant"))

	mr.FastForward(2 * time.Minute)
	_, err := r.Get(ctx, "provider_grant")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_SharedClientNotClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedis(client)
	require.NoError(t, r.Close())
	require.NoError(t, client.Ping(context.Background()).Err())
	assert.Same(t, client, r.Client())
}

func TestRedis_Errors(t *testing.T) {
	_, err := DialRedis(context.Background(), "invalid://url")
	assert.Error(t, err)

	r, mr := setupRedisTest(t)
	mr.Close()

	ctx := context.Background()
	_, err = r.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, r.Set(ctx, "k", "v"))
	assert.Error(t, r.Ping(ctx))
}
