package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), time.Second)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"storage", "registry", "http"} {
		name := name
		sm.Register(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "registry", "storage"}, order)
}

func TestShutdownManager_Failures(t *testing.T) {
	tests := []struct {
		name    string
		fn      ShutdownFunc
		wantErr string
	}{
		{
			name:    "error",
			fn:      func(context.Context) error { return errors.New("flush failed") },
			wantErr: "broken: flush failed",
		},
		{
			name:    "panic",
			fn:      func(context.Context) error { panic("kaboom") },
			wantErr: "broken: panic: kaboom",
		},
		{
			name: "timeout",
			fn: func(ctx context.Context) error {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return nil
			},
			wantErr: "broken: timed out: context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(NewNopLogger(), 50*time.Millisecond)
			ran := false
			sm.Register("first", func(context.Context) error { ran = true; return nil })
			sm.Register("broken", tt.fn)

			err := sm.Shutdown(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			if tt.name != "timeout" {
				assert.True(t, ran, "hooks after a failure still run")
			}
		})
	}
}

func TestShutdownManager_WaitOnContext(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), time.Second)
	called := make(chan struct{})
	sm.Register("hook", func(context.Context) error { close(called); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
	<-called
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "grant sweep")
		panic("boom")
	}()

	out := buf.String()
	assert.True(t, strings.Contains(out, "recovered panic"))
	assert.True(t, strings.Contains(out, `"where":"grant sweep"`))
	assert.True(t, strings.Contains(out, `"panic":"boom"`))
}

func TestRecoverPanicWithCallback(t *testing.T) {
	called := 0
	func() {
		defer RecoverPanicWithCallback(NewNopLogger(), "worker", func() { called++ })
		panic("boom")
	}()
	func() {
		defer RecoverPanicWithCallback(NewNopLogger(), "worker", func() { called++ })
	}()
	assert.Equal(t, 1, called)
}

func TestMustRecover(t *testing.T) {
	assert.NoError(t, MustRecover(nil))
	assert.EqualError(t, MustRecover("bad"), "panic: bad")
}
