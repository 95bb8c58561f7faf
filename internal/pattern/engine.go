// Package pattern matches registered string/regex/custom rules against each
// session's output and emits typed terminal events. Matching runs over a
// rolling window so matches that straddle chunk boundaries are still seen;
// debouncing suppresses the duplicates that the overlap would otherwise
// produce.
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
)

// defaultWindow is the scan window when contextLines does not imply a
// larger one.
const defaultWindow = 4096

// assumed upper bound for one terminal line when sizing windows from
// contextLines.
const bytesPerLine = 256

type registered struct {
	id        string
	sessionID string
	config    models.PatternConfig
	re        *regexp.Regexp // nil for string/custom patterns

	lastText string
	lastFire time.Time
}

type sessionState struct {
	window   []byte
	patterns map[string]*registered
}

// EventFunc receives every emitted terminal event.
type EventFunc func(ev models.TerminalEvent)

// Engine is the per-process pattern registry and matcher.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	byID     map[string]*registered

	subMu   sync.Mutex
	subs    map[int]EventFunc
	nextSub int

	now func() time.Time // test hook
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		sessions: make(map[string]*sessionState),
		byID:     make(map[string]*registered),
		subs:     make(map[int]EventFunc),
		now:      time.Now,
	}
}

// OnEvent subscribes to emitted events; the returned func unsubscribes.
func (e *Engine) OnEvent(fn EventFunc) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) emit(ev models.TerminalEvent) {
	e.subMu.Lock()
	subs := make([]EventFunc, 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("pattern subscriber panic", "error", r)
				}
			}()
			fn(ev)
		}()
	}
}

// Register compiles and installs a pattern for a session, returning its id.
// Bad regexes and unusable configs fail with ErrPatternCompile.
func (e *Engine) Register(sessionID string, cfg models.PatternConfig) (string, error) {
	var re *regexp.Regexp
	switch cfg.Type {
	case models.PatternString:
		if cfg.Pattern == "" {
			return "", fmt.Errorf("%w: empty string pattern", models.ErrPatternCompile)
		}
	case models.PatternRegex:
		expr := cfg.Pattern
		if cfg.Options.Multiline && !strings.HasPrefix(expr, "(?") {
			expr = "(?m)" + expr
		}
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrPatternCompile, err)
		}
	case models.PatternCustom:
		if cfg.Predicate == nil {
			return "", fmt.Errorf("%w: custom pattern requires a predicate", models.ErrPatternCompile)
		}
	default:
		return "", fmt.Errorf("%w: unknown pattern type %q", models.ErrPatternCompile, cfg.Type)
	}

	r := &registered{
		id:        uuid.NewString(),
		sessionID: sessionID,
		config:    cfg,
		re:        re,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.sessions[sessionID]
	if st == nil {
		st = &sessionState{patterns: make(map[string]*registered)}
		e.sessions[sessionID] = st
	}
	st.patterns[r.id] = r
	e.byID[r.id] = r
	return r.id, nil
}

// Unregister removes a pattern by id. Unknown ids are a no-op.
func (e *Engine) Unregister(patternID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.byID[patternID]
	if r == nil {
		return
	}
	delete(e.byID, patternID)
	if st := e.sessions[r.sessionID]; st != nil {
		delete(st.patterns, patternID)
		if len(st.patterns) == 0 && len(st.window) == 0 {
			delete(e.sessions, r.sessionID)
		}
	}
}

// Patterns returns the configs registered for a session.
func (e *Engine) Patterns(sessionID string) []models.PatternConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.sessions[sessionID]
	if st == nil {
		return nil
	}
	out := make([]models.PatternConfig, 0, len(st.patterns))
	for _, r := range st.patterns {
		out = append(out, r.config)
	}
	return out
}

// DropSession forgets all state for a session.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.sessions[sessionID]
	if st == nil {
		return
	}
	for id := range st.patterns {
		delete(e.byID, id)
	}
	delete(e.sessions, sessionID)
}

// HandleData scans one processed chunk. Restored replay never triggers
// matches; stale alerts from a previous run must not refire.
func (e *Engine) HandleData(ev models.ProcessedDataEvent) {
	if ev.Metadata["source"] == models.SourceRestored {
		return
	}
	if len(ev.ProcessedData) == 0 {
		return
	}

	e.mu.Lock()
	st := e.sessions[ev.SessionID]
	if st == nil {
		st = &sessionState{patterns: make(map[string]*registered)}
		e.sessions[ev.SessionID] = st
	}

	limit := defaultWindow
	for _, r := range st.patterns {
		if n := r.config.Options.ContextLines * bytesPerLine; n > limit {
			limit = n
		}
	}

	st.window = append(st.window, ev.ProcessedData...)
	if len(st.window) > limit {
		st.window = st.window[len(st.window)-limit:]
	}
	window := append([]byte(nil), st.window...)
	newStart := len(window) - len(ev.ProcessedData)
	if newStart < 0 {
		newStart = 0
	}
	patterns := make([]*registered, 0, len(st.patterns))
	for _, r := range st.patterns {
		patterns = append(patterns, r)
	}
	e.mu.Unlock()

	for _, r := range patterns {
		e.match(r, window, newStart, ev.Timestamp)
	}
}

// match runs one pattern over the window and emits events for matches that
// end inside the newly appended region (older bytes were scanned already).
func (e *Engine) match(r *registered, window []byte, newStart int, ts time.Time) {
	switch r.config.Type {
	case models.PatternString:
		needle := r.config.Pattern
		text := string(window)
		for idx := strings.Index(text, needle); idx >= 0; {
			end := idx + len(needle)
			if end > newStart {
				e.fire(r, window, idx, end, nil, ts)
			}
			next := strings.Index(text[idx+1:], needle)
			if next < 0 {
				break
			}
			idx = idx + 1 + next
		}

	case models.PatternRegex:
		for _, loc := range r.re.FindAllSubmatchIndex(window, -1) {
			if loc[1] <= newStart {
				continue
			}
			groups := captureGroups(r.re, window, loc)
			e.fire(r, window, loc[0], loc[1], groups, ts)
		}

	case models.PatternCustom:
		if matched, ok := r.config.Predicate(window[newStart:]); ok {
			idx := strings.Index(string(window), matched)
			if idx < 0 {
				idx = newStart
			}
			e.fire(r, window, idx, idx+len(matched), nil, ts)
		}
	}
}

func captureGroups(re *regexp.Regexp, window []byte, loc []int) map[string]string {
	if len(loc) <= 2 {
		return nil
	}
	groups := make(map[string]string)
	names := re.SubexpNames()
	for i := 1; i*2+1 < len(loc); i++ {
		if loc[i*2] < 0 {
			continue
		}
		val := string(window[loc[i*2]:loc[i*2+1]])
		groups[strconv.Itoa(i)] = val
		if i < len(names) && names[i] != "" {
			groups[names[i]] = val
		}
	}
	if len(groups) == 0 {
		return nil
	}
	return groups
}

// fire applies debounce and emits the event with surrounding context lines.
func (e *Engine) fire(r *registered, window []byte, start, end int, groups map[string]string, ts time.Time) {
	matched := string(window[start:end])

	if d := r.config.Options.DebounceMs; d > 0 {
		now := e.now()
		e.mu.Lock()
		if r.lastText == matched && now.Sub(r.lastFire) < time.Duration(d)*time.Millisecond {
			e.mu.Unlock()
			return
		}
		r.lastText = matched
		r.lastFire = now
		e.mu.Unlock()
	}

	ev := models.TerminalEvent{
		Type:        models.EventPatternMatch,
		SessionID:   r.sessionID,
		PatternID:   r.id,
		PatternName: r.config.Name,
		Match:       matched,
		Groups:      groups,
		Timestamp:   ts,
	}
	if n := r.config.Options.ContextLines; n > 0 {
		ev.ContextBefore, ev.ContextAfter = contextLines(window, start, end, n)
	}
	e.emit(ev)
}

// contextLines returns up to n lines before and after the match.
func contextLines(window []byte, start, end, n int) (before, after []string) {
	text := string(window)
	pre := strings.Split(text[:start], "\n")
	if len(pre) > 0 {
		pre = pre[:len(pre)-1] // drop the partial line containing the match
	}
	if len(pre) > n {
		pre = pre[len(pre)-n:]
	}
	post := strings.Split(text[end:], "\n")
	if len(post) > 0 {
		post = post[1:] // drop the remainder of the match line
	}
	if len(post) > n {
		post = post[:n]
	}
	return pre, post
}
