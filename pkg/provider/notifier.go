package provider

import (
	"sort"
	"sync"
)

// Notifier fans session transitions out to subscribers. Delivery is
// synchronous and serial: a transition is delivered to every subscriber
// before the next one starts. Identical consecutive sessions are collapsed.
type Notifier struct {
	deliverMu sync.Mutex

	mu      sync.Mutex
	ready   bool
	current *Session
	subs    map[uint64]func(*Session)
	nextID  uint64
}

// NewNotifier creates a notifier with no known session yet
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[uint64]func(*Session))}
}

// Subscribe registers fn. If the session is already known fn is called
// before Subscribe returns; otherwise it is first called by Publish.
func (n *Notifier) Subscribe(fn func(*Session)) (unsubscribe func()) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	ready, current := n.ready, n.current.clone()
	n.mu.Unlock()

	if ready {
		fn(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Publish records s as the current session and notifies subscribers unless
// it equals the previous one.
func (n *Notifier) Publish(s *Session) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	if n.ready && n.current.Equal(s) {
		n.mu.Unlock()
		return
	}
	n.ready = true
	n.current = s.clone()
	ids := make([]uint64, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n.mu.Lock()
		fn, ok := n.subs[id]
		n.mu.Unlock()
		if ok {
			fn(s.clone())
		}
	}
}

// Current returns the last published session and whether one is known
func (n *Notifier) Current() (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current.clone(), n.ready
}

// Subscribers returns the number of registered subscribers
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
