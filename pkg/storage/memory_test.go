package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects watch events from the delivery goroutine
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 10*time.Millisecond)
	return r.snapshot()
}

// exerciseBackend checks the behaviour every backend shares
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Get(ctx, "user_data")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Set(ctx, "user_data", `{"uid":"1"}`))
	v, err := b.Get(ctx, "user_data")
	require.NoError(t, err)
	assert.Equal(t, `{"uid":"1"}`, v)

	require.NoError(t, b.Set(ctx, "user_data", `{"uid":"2"}`))
	v, err = b.Get(ctx, "user_data")
	require.NoError(t, err)
	assert.Equal(t, `{"uid":"2"}`, v)

	require.NoError(t, b.Delete(ctx, "user_data"))
	_, err = b.Get(ctx, "user_data")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a missing key is not an error
	require.NoError(t, b.Delete(ctx, "user_data"))
}

func TestMemory(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestMemory_WatchDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory()
	rec := &eventRecorder{}
	require.NoError(t, m.Watch(ctx, rec.record))

	require.NoError(t, m.Set(ctx, "a", "1"))
	require.NoError(t, m.Set(ctx, "b", "2"))
	require.NoError(t, m.Delete(ctx, "a"))
	require.NoError(t, m.Delete(ctx, "missing"))

	events := rec.waitFor(t, 3)
	assert.Equal(t, []Event{{Key: "a"}, {Key: "b"}, {Key: "a", Deleted: true}}, events)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_WatchStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	rec := &eventRecorder{}
	require.NoError(t, m.Watch(ctx, rec.record))

	require.NoError(t, m.Set(context.Background(), "a", "1"))
	rec.waitFor(t, 1)

	cancel()
	require.Eventually(t, func() bool {
		m.events.mu.Lock()
		defer m.events.mu.Unlock()
		return len(m.events.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Set(context.Background(), "b", "2"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestMemory_HandlerMayCallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory()
	got := make(chan string, 1)
	require.NoError(t, m.Watch(ctx, func(ev Event) {
		v, _ := m.Get(ctx, ev.Key)
		got <- v
	}))

	require.NoError(t, m.Set(ctx, "auth_method", "sso"))
	select {
	case v := <-got:
		assert.Equal(t, "sso", v)
	case <-time.After(2 * time.Second):
		t.Fatal("watch handler not called")
	}
}
