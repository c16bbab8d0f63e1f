package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend counts reads reaching the wrapped backend
type countingBackend struct {
	*Memory
	gets   int
	getErr error
}

func (c *countingBackend) Get(ctx context.Context, key string) (string, error) {
	c.gets++
	if c.getErr != nil {
		return "", c.getErr
	}
	return c.Memory.Get(ctx, key)
}

func TestCached(t *testing.T) {
	exerciseBackend(t, NewCached(NewMemory(), 16, time.Minute))
}

func TestCached_ReadThrough(t *testing.T) {
	ctx := context.Background()
	inner := &countingBackend{Memory: NewMemory()}
	require.NoError(t, inner.Memory.Set(ctx, "user_data", "v1"))

	c := NewCached(inner, 16, time.Minute)

	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, "user_data")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, 1, inner.gets)

	// misses are cached too
	for i := 0; i < 2; i++ {
		_, err := c.Get(ctx, "auth_method")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 2, inner.gets)

	// writes go through and refresh the cache
	require.NoError(t, c.Set(ctx, "auth_method", "sso"))
	v, err := c.Get(ctx, "auth_method")
	require.NoError(t, err)
	assert.Equal(t, "sso", v)
	assert.Equal(t, 2, inner.gets)
}

// racingBackend runs afterRead once a read has fetched its value
type racingBackend struct {
	*Memory
	afterRead func()
}

func (r *racingBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.Memory.Get(ctx, key)
	if r.afterRead != nil {
		fn := r.afterRead
		r.afterRead = nil
		fn()
	}
	return v, err
}

func TestCached_ReadRacingWrite(t *testing.T) {
	tests := []struct {
		name  string
		write func(context.Context, *Cached) error
		want  string
	}{
		{
			name:  "delete",
			write: func(ctx context.Context, c *Cached) error { return c.Delete(ctx, "user_data") },
		},
		{
			name:  "set",
			write: func(ctx context.Context, c *Cached) error { return c.Set(ctx, "user_data", "v2") },
			want:  "v2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			inner := &racingBackend{Memory: NewMemory()}
			require.NoError(t, inner.Memory.Set(ctx, "user_data", "v1"))
			c := NewCached(inner, 16, time.Minute)

			inner.afterRead = func() { require.NoError(t, tt.write(ctx, c)) }
			v, err := c.Get(ctx, "user_data")
			require.NoError(t, err)
			assert.Equal(t, "v1", v)

			// the value read before the write must not be served afterwards
			v, err = c.Get(ctx, "user_data")
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingBackend{Memory: NewMemory(), getErr: errors.New("unavailable")}
	c := NewCached(inner, 16, time.Minute)

	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	_, err = c.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, 2, inner.gets)
}

func TestCached_WatchInvalidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := NewMemory()
	c := NewCached(inner, 16, time.Minute)

	_, err := c.Get(ctx, "user_data")
	require.ErrorIs(t, err, ErrNotFound)

	rec := &eventRecorder{}
	require.NoError(t, c.Watch(ctx, rec.record))

	// a write that bypasses the cache
	require.NoError(t, inner.Set(ctx, "user_data", "external"))
	rec.waitFor(t, 1)

	v, err := c.Get(ctx, "user_data")
	require.NoError(t, err)
	assert.Equal(t, "external", v)
}

func TestCached_WatchUnsupported(t *testing.T) {
	c := NewCached(NewSQL(nil, ""), 16, time.Minute)
	assert.ErrorIs(t, c.Watch(context.Background(), func(Event) {}), ErrWatchUnsupported)
}
