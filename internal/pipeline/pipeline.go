// Package pipeline is the canonical path for every byte a session emits.
// Filters run first and may block a chunk; processors then transform it in
// priority order. Both fail open: a panicking filter passes, a panicking
// processor is skipped, and subscribers can never stop the pipeline.
package pipeline

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
)

// Priority bands by convention: 10-19 security, 20-29 compliance, 30-49
// shaping, 50 default, 60+ observability.
const DefaultPriority = 50

// FilterFunc is a pure predicate; returning false blocks the chunk.
type FilterFunc func(ev models.DataEvent) bool

// ProcessorFunc transforms an event. Returning nil drops it entirely;
// returning an event with different bytes records the processor name in
// Transformations.
type ProcessorFunc func(ev *models.ProcessedDataEvent) *models.ProcessedDataEvent

type filter struct {
	id   int
	name string
	fn   FilterFunc
}

type processor struct {
	id       int
	name     string
	priority int
	fn       ProcessorFunc
}

// Subscriber callbacks. Delivery is synchronous with Process in
// registration order.
type (
	RawFunc         func(ev models.DataEvent)
	BlockedFunc     func(ev models.DataEvent, filterName string)
	DroppedFunc     func(ev models.ProcessedDataEvent, processorName string)
	TransformedFunc func(ev models.ProcessedDataEvent)
	DataFunc        func(ev models.ProcessedDataEvent)
	ErrorFunc       func(sessionID, stage string, err error)
)

// Pipeline applies registered filters then processors to each chunk and
// fans the result out to subscribers.
type Pipeline struct {
	mu         sync.RWMutex
	filters    []filter
	processors []processor
	nextID     int

	raw         map[int]RawFunc
	blocked     map[int]BlockedFunc
	dropped     map[int]DroppedFunc
	transformed map[int]TransformedFunc
	processed   map[int]DataFunc
	data        map[int]DataFunc
	sessionData map[int]sessionSub
	errors      map[int]ErrorFunc
}

type sessionSub struct {
	sessionID string
	fn        DataFunc
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{
		raw:         make(map[int]RawFunc),
		blocked:     make(map[int]BlockedFunc),
		dropped:     make(map[int]DroppedFunc),
		transformed: make(map[int]TransformedFunc),
		processed:   make(map[int]DataFunc),
		data:        make(map[int]DataFunc),
		sessionData: make(map[int]sessionSub),
		errors:      make(map[int]ErrorFunc),
	}
}

// AddFilter registers a named filter; filters run in insertion order.
// The returned func removes it.
func (p *Pipeline) AddFilter(name string, fn FilterFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.filters = append(p.filters, filter{id: id, name: name, fn: fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, f := range p.filters {
			if f.id == id {
				p.filters = append(p.filters[:i], p.filters[i+1:]...)
				return
			}
		}
	}
}

// AddProcessor registers a named processor at the given priority (lower
// runs first, insertion order breaks ties). The returned func removes it.
func (p *Pipeline) AddProcessor(name string, priority int, fn ProcessorFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.processors = append(p.processors, processor{id: id, name: name, priority: priority, fn: fn})
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].priority < p.processors[j].priority
	})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, pr := range p.processors {
			if pr.id == id {
				p.processors = append(p.processors[:i], p.processors[i+1:]...)
				return
			}
		}
	}
}

func (p *Pipeline) subscribe(m map[int]DataFunc, fn DataFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	m[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(m, id)
	}
}

// OnData subscribes to the final event for every session.
func (p *Pipeline) OnData(fn DataFunc) func() { return p.subscribe(p.data, fn) }

// OnProcessed subscribes to events that completed the processor chain. It
// fires before the final data fan-out, whether or not any processor
// changed the bytes; use OnTransformed for the modified-only stream.
func (p *Pipeline) OnProcessed(fn DataFunc) func() { return p.subscribe(p.processed, fn) }

// OnSessionData subscribes to the final event for one session.
func (p *Pipeline) OnSessionData(sessionID string, fn DataFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.sessionData[id] = sessionSub{sessionID: sessionID, fn: fn}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.sessionData, id)
	}
}

// OnRaw subscribes to every chunk before filtering.
func (p *Pipeline) OnRaw(fn RawFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.raw[id] = fn
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.raw, id) }
}

// OnBlocked subscribes to chunks rejected by a filter.
func (p *Pipeline) OnBlocked(fn BlockedFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.blocked[id] = fn
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.blocked, id) }
}

// OnDropped subscribes to chunks a processor returned nil for.
func (p *Pipeline) OnDropped(fn DroppedFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.dropped[id] = fn
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.dropped, id) }
}

// OnTransformed subscribes to events that at least one processor modified.
func (p *Pipeline) OnTransformed(fn TransformedFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.transformed[id] = fn
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.transformed, id) }
}

// OnError subscribes to filter/processor/subscriber failures.
func (p *Pipeline) OnError(fn ErrorFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.errors[id] = fn
	return func() { p.mu.Lock(); defer p.mu.Unlock(); delete(p.errors, id) }
}

// Process runs one chunk through the pipeline synchronously with the
// caller (the PTY reader); filters and processors must be CPU-cheap.
func (p *Pipeline) Process(ev models.DataEvent) {
	p.mu.RLock()
	filters := append([]filter(nil), p.filters...)
	processors := append([]processor(nil), p.processors...)
	p.mu.RUnlock()

	p.emitRaw(ev)

	for _, f := range filters {
		pass := p.runFilter(f, ev)
		if !pass {
			p.emitBlocked(ev, f.name)
			return
		}
	}

	out := &models.ProcessedDataEvent{
		SessionID:     ev.SessionID,
		Timestamp:     ev.Timestamp,
		OriginalData:  ev.Data,
		ProcessedData: ev.Data,
		Metadata:      ev.Metadata,
	}
	for _, pr := range processors {
		before := out.ProcessedData
		next := p.runProcessor(pr, out)
		if next == nil {
			p.emitDropped(*out, pr.name)
			return
		}
		out = next
		if !bytes.Equal(before, out.ProcessedData) {
			out.Transformations = append(out.Transformations, pr.name)
		}
	}

	if len(out.Transformations) > 0 {
		p.emitTransformed(*out)
	}
	p.emitProcessed(*out)
	p.emitData(*out)
}

// runFilter applies one filter, treating a panic as pass (fail open).
func (p *Pipeline) runFilter(f filter, ev models.DataEvent) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			p.emitError(ev.SessionID, "filter:"+f.name, fmt.Errorf("filter panic: %v", r))
			pass = true
		}
	}()
	return f.fn(ev)
}

// runProcessor applies one processor; a panic skips it and the event
// continues unchanged.
func (p *Pipeline) runProcessor(pr processor, ev *models.ProcessedDataEvent) (out *models.ProcessedDataEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.emitError(ev.SessionID, "processor:"+pr.name, fmt.Errorf("processor panic: %v", r))
			out = ev
		}
	}()
	return pr.fn(ev)
}

func (p *Pipeline) emitRaw(ev models.DataEvent) {
	for _, fn := range p.snapshotRaw() {
		p.safeCall(ev.SessionID, "subscriber:raw", func() { fn(ev) })
	}
}

func (p *Pipeline) emitBlocked(ev models.DataEvent, name string) {
	p.mu.RLock()
	subs := make([]BlockedFunc, 0, len(p.blocked))
	for _, fn := range p.blocked {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()
	for _, fn := range subs {
		p.safeCall(ev.SessionID, "subscriber:blocked", func() { fn(ev, name) })
	}
}

func (p *Pipeline) emitDropped(ev models.ProcessedDataEvent, name string) {
	p.mu.RLock()
	subs := make([]DroppedFunc, 0, len(p.dropped))
	for _, fn := range p.dropped {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()
	for _, fn := range subs {
		p.safeCall(ev.SessionID, "subscriber:dropped", func() { fn(ev, name) })
	}
}

func (p *Pipeline) emitTransformed(ev models.ProcessedDataEvent) {
	p.mu.RLock()
	subs := make([]TransformedFunc, 0, len(p.transformed))
	for _, fn := range p.transformed {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()
	for _, fn := range subs {
		p.safeCall(ev.SessionID, "subscriber:transformed", func() { fn(ev) })
	}
}

func (p *Pipeline) emitProcessed(ev models.ProcessedDataEvent) {
	p.mu.RLock()
	subs := make([]DataFunc, 0, len(p.processed))
	for _, fn := range p.processed {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()
	for _, fn := range subs {
		fn := fn
		p.safeCall(ev.SessionID, "subscriber:processed", func() { fn(ev) })
	}
}

func (p *Pipeline) emitData(ev models.ProcessedDataEvent) {
	p.mu.RLock()
	subs := make([]DataFunc, 0, len(p.data)+len(p.sessionData))
	for _, fn := range p.data {
		subs = append(subs, fn)
	}
	for _, ss := range p.sessionData {
		if ss.sessionID == ev.SessionID {
			subs = append(subs, ss.fn)
		}
	}
	p.mu.RUnlock()
	for _, fn := range subs {
		fn := fn
		p.safeCall(ev.SessionID, "subscriber:data", func() { fn(ev) })
	}
}

func (p *Pipeline) emitError(sessionID, stage string, err error) {
	logger.Warn("pipeline error", "session", sessionID, "stage", stage, "error", err)
	p.mu.RLock()
	subs := make([]ErrorFunc, 0, len(p.errors))
	for _, fn := range p.errors {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() { recover() }()
			fn(sessionID, stage, err)
		}()
	}
}

func (p *Pipeline) snapshotRaw() []RawFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	subs := make([]RawFunc, 0, len(p.raw))
	for _, fn := range p.raw {
		subs = append(subs, fn)
	}
	return subs
}

// safeCall shields the pipeline from subscriber panics.
func (p *Pipeline) safeCall(sessionID, stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.emitError(sessionID, stage, fmt.Errorf("subscriber panic: %v", r))
		}
	}()
	fn()
}
