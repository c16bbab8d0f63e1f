// Package browser models the address bar of a browser tab: the current URL,
// in-place history replacement and navigation away from the application.
package browser

import (
	"fmt"
	"net/url"
	"sync"
)

// Location is the tab the application runs in
type Location interface {
	// URL returns a copy of the current address
	URL() *url.URL

	// Replace swaps the current history entry without navigating
	Replace(u *url.URL)

	// Assign navigates to target, leaving the application
	Assign(target string) error
}

// Memory is a Location held in memory. The server keeps one per request
// and the CLI one per session.
type Memory struct {
	mu       sync.Mutex
	current  *url.URL
	history  []string
	assigned []string
}

var _ Location = (*Memory)(nil)

// NewMemory creates a location at raw
func NewMemory(raw string) (*Memory, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", raw, err)
	}
	return &Memory{current: u}, nil
}

// URL implements Location
func (m *Memory) URL() *url.URL {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *m.current
	return &u
}

// Replace implements Location
func (m *Memory) Replace(u *url.URL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, m.current.String())
	c := *u
	m.current = &c
}

// Assign implements Location
func (m *Memory) Assign(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid navigation target %q: %w", target, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned = append(m.assigned, target)
	m.current = u
	return nil
}

// Navigated returns the last target passed to Assign, or ""
func (m *Memory) Navigated() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.assigned) == 0 {
		return ""
	}
	return m.assigned[len(m.assigned)-1]
}

// Replaced returns the addresses that were replaced in place, oldest first
func (m *Memory) Replaced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}
