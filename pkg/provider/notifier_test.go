package provider

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered sessions
type recorder struct {
	mu  sync.Mutex
	got []*Session
}

func (r *recorder) fn(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) uids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, s := range r.got {
		if s == nil {
			out[i] = "<nil>"
		} else {
			out[i] = s.UID
		}
	}
	return out
}

func TestNotifier_SubscribeBeforeKnown(t *testing.T) {
	n := NewNotifier()
	rec := &recorder{}
	n.Subscribe(rec.fn)

	assert.Empty(t, rec.uids(), "nothing is delivered until the session is known")

	n.Publish(nil)
	assert.Equal(t, []string{"<nil>"}, rec.uids())

	_, known := n.Current()
	assert.True(t, known)
}

func TestNotifier_LateSubscriberGetsLatest(t *testing.T) {
	n := NewNotifier()
	n.Publish(&Session{UID: "a", Email: "a@x.io"})
	n.Publish(&Session{UID: "b", Email: "b@x.io"})

	rec := &recorder{}
	n.Subscribe(rec.fn)
	assert.Equal(t, []string{"b"}, rec.uids())
}

func TestNotifier_ExactlyOncePerTransition(t *testing.T) {
	n := NewNotifier()
	rec := &recorder{}
	n.Subscribe(rec.fn)

	a := &Session{UID: "a", Email: "a@x.io"}
	n.Publish(nil)
	n.Publish(nil)
	n.Publish(a)
	n.Publish(&Session{UID: "a", Email: "a@x.io"})
	n.Publish(&Session{UID: "a", Email: "a@x.io", DisplayName: "A"})
	n.Publish(nil)

	assert.Equal(t, []string{"<nil>", "a", "a", "<nil>"}, rec.uids())
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier()
	rec := &recorder{}
	unsubscribe := n.Subscribe(rec.fn)
	other := &recorder{}
	n.Subscribe(other.fn)
	require.Equal(t, 2, n.Subscribers())

	n.Publish(nil)
	unsubscribe()
	unsubscribe()
	n.Publish(&Session{UID: "a", Email: "a@x.io"})

	assert.Equal(t, []string{"<nil>"}, rec.uids())
	assert.Equal(t, []string{"<nil>", "a"}, other.uids())
	assert.Equal(t, 1, n.Subscribers())
}

func TestNotifier_UnsubscribeDuringDelivery(t *testing.T) {
	n := NewNotifier()

	var second recorder
	var unsubscribeSecond func()
	n.Subscribe(func(s *Session) {
		if s != nil && unsubscribeSecond != nil {
			unsubscribeSecond()
		}
	})
	unsubscribeSecond = n.Subscribe(second.fn)

	n.Publish(&Session{UID: "a", Email: "a@x.io"})
	assert.Empty(t, second.uids())
}

func TestNotifier_DeliveriesAreIsolatedCopies(t *testing.T) {
	n := NewNotifier()
	n.Subscribe(func(s *Session) {
		if s != nil {
			s.UID = "mutated"
		}
	})
	n.Publish(&Session{UID: "a", Email: "a@x.io"})

	current, _ := n.Current()
	assert.Equal(t, "a", current.UID)
}

func TestNotifier_ConcurrentPublishersKeepOrderPerSubscriber(t *testing.T) {
	n := NewNotifier()
	var mu sync.Mutex
	var last *Session
	delivered, duplicates := 0, 0
	n.Subscribe(func(s *Session) {
		mu.Lock()
		defer mu.Unlock()
		if delivered > 0 && last.Equal(s) {
			duplicates++
		}
		delivered++
		last = s
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				n.Publish(nil)
			} else {
				n.Publish(&Session{UID: "a", Email: "a@x.io"})
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, duplicates)
	current, _ := n.Current()
	assert.True(t, current.Equal(last))
}
