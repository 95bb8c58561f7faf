package store

import (
	"context"
	"sync"

	"github.com/shelltender/shelltender/internal/logger"
)

type snapshot struct {
	buf     []byte
	lastSeq uint64
}

// Persister coalesces buffer snapshots so that at most one write per
// session is in flight; a newer snapshot arriving while a write runs
// replaces the pending one. Write failures are logged and dropped, the next
// successful write recovers.
type Persister struct {
	store *Store

	mu      sync.Mutex
	pending map[string]*snapshot
	kicked  map[string]bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPersister creates a Persister writing through the given store.
func NewPersister(s *Store) *Persister {
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		store:   s,
		pending: make(map[string]*snapshot),
		kicked:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue schedules a buffer snapshot for a session. Safe to call from the
// PTY reader path; never blocks on disk.
func (p *Persister) Enqueue(id string, buf []byte, lastSeq uint64) {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	p.mu.Lock()
	p.pending[id] = &snapshot{buf: cp, lastSeq: lastSeq}
	if p.kicked[id] {
		p.mu.Unlock()
		return
	}
	p.kicked[id] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.drain(id)
}

func (p *Persister) drain(id string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		snap := p.pending[id]
		if snap == nil || p.ctx.Err() != nil {
			delete(p.kicked, id)
			p.mu.Unlock()
			return
		}
		delete(p.pending, id)
		p.mu.Unlock()

		if err := p.store.UpdateBuffer(id, snap.buf, snap.lastSeq); err != nil {
			logger.Warn("buffer snapshot failed", "session", id, "error", err)
		}
	}
}

// Forget drops any pending snapshot for a session. Called after kill so a
// late write cannot resurrect a deleted record.
func (p *Persister) Forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Close stops accepting work and waits for in-flight writes.
func (p *Persister) Close() {
	p.cancel()
	p.wg.Wait()
}
