package api

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/page"
)

// registry holds the live page of every browser client. Entries expire ttl
// after their last use and the least recently used is evicted past size.
type registry struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, *page.Page]
	metrics *observability.Metrics
}

func newRegistry(size int, ttl time.Duration, metrics *observability.Metrics) *registry {
	r := &registry{metrics: metrics}
	r.lru = expirable.NewLRU[string, *page.Page](size, r.evicted, ttl)
	return r
}

// evicted runs under the LRU's lock and must not call back into it
func (r *registry) evicted(_ string, p *page.Page) {
	p.Close()
	r.metrics.ActiveClients.Dec()
	r.metrics.ClientEvictionsTotal.Inc()
}

// put stores p, closing the page it replaces
func (r *registry) put(p *page.Page) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, replaced := r.lru.Peek(p.ID)
	r.lru.Add(p.ID, p)
	if replaced {
		old.Close()
		return
	}
	r.metrics.ActiveClients.Inc()
}

// get returns the page for id and extends its lifetime
func (r *registry) get(id string) (*page.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.lru.Get(id)
	if ok {
		r.lru.Add(id, p)
	}
	return p, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.Remove(id)
}

func (r *registry) values() []*page.Page {
	return r.lru.Values()
}

func (r *registry) len() int {
	return r.lru.Len()
}

// closeAll closes every page
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.Purge()
}
