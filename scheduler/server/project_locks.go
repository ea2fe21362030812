package server

import (
	"sync"
)

// projectLocks hands out one mutex per project id. Entries are never
// removed; the number of projects is small.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until projectID is held and returns the matching unlock.
func (p *projectLocks) lock(projectID string) func() {
	p.mu.Lock()
	m, ok := p.locks[projectID]
	if !ok {
		m = &sync.Mutex{}
		p.locks[projectID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}
