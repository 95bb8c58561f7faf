// Package buffer holds the per-session scrollback rings. Each appended PTY
// chunk gets a sequence number that is strictly increasing for the life of
// the session, across restarts included: the manager seeds nextSeq from the
// highest sequence restored from disk.
package buffer

import (
	"sync"

	"github.com/shelltender/shelltender/internal/logger"
)

// DefaultCapacity is the per-session retained byte ceiling.
const DefaultCapacity = 10000

type chunk struct {
	seq  uint64
	data []byte
}

type ring struct {
	mu       sync.Mutex
	chunks   []chunk
	nextSeq  uint64
	retained int
	capacity int
}

// Manager owns one ring per session.
type Manager struct {
	mu       sync.RWMutex
	rings    map[string]*ring
	capacity int
}

// NewManager creates a Manager with the given per-session byte capacity.
// capacity <= 0 selects DefaultCapacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{rings: make(map[string]*ring), capacity: capacity}
}

func (m *Manager) ring(id string) *ring {
	m.mu.RLock()
	r := m.rings[id]
	m.mu.RUnlock()
	if r != nil {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r = m.rings[id]; r == nil {
		r = &ring{nextSeq: 1, capacity: m.capacity}
		m.rings[id] = r
	}
	return r
}

// Seed sets the starting sequence for a session so that the next append is
// assigned lastSeq+1. Used on restart restoration; it never moves the
// counter backwards.
func (m *Manager) Seed(id string, lastSeq uint64) {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if lastSeq+1 > r.nextSeq {
		r.nextSeq = lastSeq + 1
	}
}

// Restore installs persisted scrollback as a single chunk carrying the
// persisted lastSeq, and points nextSeq past it. Reconnecting clients that
// already saw lastSeq therefore get no duplicate bytes, while fresh clients
// receive the restored scrollback in full.
//
// Chunks that were appended before restoration (an early prompt from the
// respawned shell) are kept, prepended with the restored scrollback, and
// renumbered past the persisted cursor so sequences stay monotonic.
func (m *Manager) Restore(id string, data []byte, lastSeq uint64) {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(data) > 0 {
		if lastSeq == 0 {
			lastSeq = 1
		}
		cp := make([]byte, len(data))
		copy(cp, data)

		seq := lastSeq
		for i := range r.chunks {
			if r.chunks[i].seq <= seq {
				seq++
				r.chunks[i].seq = seq
			} else {
				seq = r.chunks[i].seq
			}
		}
		r.chunks = append([]chunk{{seq: lastSeq, data: cp}}, r.chunks...)
		r.retained += len(cp)
		for r.retained > r.capacity && len(r.chunks) > 1 {
			r.retained -= len(r.chunks[0].data)
			r.chunks = r.chunks[1:]
		}
		if seq+1 > r.nextSeq {
			r.nextSeq = seq + 1
		}
	}
	if lastSeq+1 > r.nextSeq {
		r.nextSeq = lastSeq + 1
	}
}

// Append stores data under the next sequence number and evicts the oldest
// chunks until the ring fits its capacity again. Zero-byte appends are a
// no-op and consume no sequence. Returns the assigned sequence (0 for the
// no-op case).
func (m *Manager) Append(id string, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	r := m.ring(id)

	cp := make([]byte, len(data))
	copy(cp, data)

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++
	r.chunks = append(r.chunks, chunk{seq: seq, data: cp})
	r.retained += len(cp)

	evicted := 0
	for r.retained > r.capacity && len(r.chunks) > 1 {
		r.retained -= len(r.chunks[0].data)
		r.chunks = r.chunks[1:]
		evicted++
	}
	if evicted > 0 {
		logger.Debug("buffer evicted chunks", "session", id, "evicted", evicted, "retained", r.retained)
	}
	return seq
}

// GetFull returns all retained bytes and the last assigned sequence
// (0 when nothing was ever appended).
func (m *Manager) GetFull(id string) ([]byte, uint64) {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concatLocked(), r.nextSeq - 1
}

// GetSince returns the bytes of every chunk with sequence greater than
// clientSeq, plus the last assigned sequence. When clientSeq predates the
// oldest retained chunk the reply degrades to a full snapshot and gap is
// true; the caller must treat that as a full replay, not a delta.
func (m *Manager) GetSince(id string, clientSeq uint64) (data []byte, lastSeq uint64, gap bool) {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	lastSeq = r.nextSeq - 1
	if clientSeq >= lastSeq {
		return nil, lastSeq, false
	}
	if len(r.chunks) == 0 {
		return nil, lastSeq, true
	}
	if clientSeq < r.chunks[0].seq-1 {
		// Oldest retained chunk is past the client's cursor.
		return r.concatLocked(), lastSeq, true
	}

	var out []byte
	for _, c := range r.chunks {
		if c.seq > clientSeq {
			out = append(out, c.data...)
		}
	}
	return out, lastSeq, false
}

// LastSeq returns the last assigned sequence for a session.
func (m *Manager) LastSeq(id string) uint64 {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// Size returns the retained byte count for a session.
func (m *Manager) Size(id string) int {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retained
}

// Clear drops all retained chunks but preserves the sequence counter so
// sequences are never reused within a session's lifetime.
func (m *Manager) Clear(id string) {
	r := m.ring(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = nil
	r.retained = 0
}

// Remove forgets a session entirely. Only valid once the session is dead;
// a recreated session with the same id starts a fresh sequence space.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, id)
}

func (r *ring) concatLocked() []byte {
	if len(r.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, r.retained)
	for _, c := range r.chunks {
		out = append(out, c.data...)
	}
	return out
}
