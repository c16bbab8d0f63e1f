package storage

import (
	"context"
	"sync"
)

// fanout delivers events to registered handlers. Each registration gets its
// own goroutine and an unbounded queue so publishers never block.
type fanout struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	fn    func(Event)
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func (f *fanout) add(ctx context.Context, fn func(Event)) {
	s := &subscriber{fn: fn, wake: make(chan struct{}, 1)}

	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[*subscriber]struct{})
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer f.remove(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				ev := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()

				if ctx.Err() != nil {
					return
				}
				s.fn(ev)
			}
		}
	}()
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.mu.Lock()
		s.queue = append(s.queue, ev)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}
