package pattern

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelltender/shelltender/internal/models"
)

type eventSink struct {
	mu     sync.Mutex
	events []models.TerminalEvent
}

func (s *eventSink) add(ev models.TerminalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []models.TerminalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TerminalEvent(nil), s.events...)
}

func chunk(sessionID, data string) models.ProcessedDataEvent {
	return models.ProcessedDataEvent{
		SessionID:     sessionID,
		ProcessedData: []byte(data),
		Timestamp:     time.Now(),
		Metadata:      map[string]string{"source": models.SourcePTY},
	}
}

func TestRegisterRejectsBadConfigs(t *testing.T) {
	e := NewEngine()

	_, err := e.Register("s1", models.PatternConfig{Type: models.PatternString})
	assert.ErrorIs(t, err, models.ErrPatternCompile)

	_, err = e.Register("s1", models.PatternConfig{Type: models.PatternRegex, Pattern: "[unclosed"})
	assert.ErrorIs(t, err, models.ErrPatternCompile)

	_, err = e.Register("s1", models.PatternConfig{Type: models.PatternCustom, Pattern: "x"})
	assert.ErrorIs(t, err, models.ErrPatternCompile)

	_, err = e.Register("s1", models.PatternConfig{Type: "glob", Pattern: "*"})
	assert.ErrorIs(t, err, models.ErrPatternCompile)
}

func TestStringPatternMatch(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	id, err := e.Register("s1", models.PatternConfig{
		Name:    "build failed",
		Type:    models.PatternString,
		Pattern: "BUILD FAILED",
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "compiling...\nBUILD FAILED\n"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPatternMatch, events[0].Type)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, id, events[0].PatternID)
	assert.Equal(t, "build failed", events[0].PatternName)
	assert.Equal(t, "BUILD FAILED", events[0].Match)
}

func TestMatchAcrossChunkBoundary(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "ERR"))
	e.HandleData(chunk("s1", "OR: disk full\n"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "ERROR", events[0].Match)
}

func TestOldWindowBytesDoNotRefire(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "ERROR once\n"))
	e.HandleData(chunk("s1", "unrelated output\n"))
	e.HandleData(chunk("s1", "still nothing\n"))

	assert.Len(t, sink.all(), 1)
}

func TestRegexCaptureGroups(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "http status",
		Type:    models.PatternRegex,
		Pattern: `HTTP (?P<code>\d{3}) (\w+)`,
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "HTTP 404 NotFound\n"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "HTTP 404 NotFound", events[0].Match)
	assert.Equal(t, "404", events[0].Groups["1"])
	assert.Equal(t, "404", events[0].Groups["code"])
	assert.Equal(t, "NotFound", events[0].Groups["2"])
}

func TestMultilineRegex(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "prompt",
		Type:    models.PatternRegex,
		Pattern: `^\$ `,
		Options: models.PatternOptions{Multiline: true},
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "output line\n$ next command"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "$ ", events[0].Match)
}

func TestDebounceSuppressesRepeats(t *testing.T) {
	e := NewEngine()
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
		Options: models.PatternOptions{DebounceMs: 500},
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "ERROR\n"))
	clock = clock.Add(100 * time.Millisecond)
	e.HandleData(chunk("s1", "ERROR\n"))
	clock = clock.Add(100 * time.Millisecond)
	e.HandleData(chunk("s1", "ERROR\n"))

	assert.Len(t, sink.all(), 1)

	// Past the debounce window the same text fires again.
	clock = clock.Add(time.Second)
	e.HandleData(chunk("s1", "ERROR\n"))
	assert.Len(t, sink.all(), 2)
}

func TestDebounceDistinguishesMatchedText(t *testing.T) {
	e := NewEngine()
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternRegex,
		Pattern: `ERROR \d+`,
		Options: models.PatternOptions{DebounceMs: 500},
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "ERROR 1\n"))
	clock = clock.Add(50 * time.Millisecond)
	e.HandleData(chunk("s1", "ERROR 2\n"))

	// Different matched text is a different alert, not a repeat.
	assert.Len(t, sink.all(), 2)
}

func TestContextLines(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
		Options: models.PatternOptions{ContextLines: 2},
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "line1\nline2\nline3\nERROR here\nline5\nline6\n"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"line2", "line3"}, events[0].ContextBefore)
	assert.Equal(t, []string{"line5", "line6"}, events[0].ContextAfter)
}

func TestCustomPredicate(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name: "long line",
		Type: models.PatternCustom,
		Predicate: func(data []byte) (string, bool) {
			if len(data) > 5 {
				return string(data), true
			}
			return "", false
		},
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "ok\n"))
	e.HandleData(chunk("s1", "this line is long\n"))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "this line is long\n", events[0].Match)
}

func TestRestoredDataNeverMatches(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
	})
	require.NoError(t, err)

	replay := chunk("s1", "ERROR from last run\n")
	replay.Metadata["source"] = models.SourceRestored
	e.HandleData(replay)

	assert.Empty(t, sink.all())
}

func TestUnregisterStopsMatching(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	id, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
	})
	require.NoError(t, err)

	e.Unregister(id)
	e.Unregister(id) // unknown id is a no-op
	e.HandleData(chunk("s1", "ERROR\n"))

	assert.Empty(t, sink.all())
	assert.Empty(t, e.Patterns("s1"))
}

func TestDropSessionClearsState(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
	})
	require.NoError(t, err)

	e.HandleData(chunk("s1", "ERR"))
	e.DropSession("s1")
	// The window is gone, so the straddling match never completes.
	e.HandleData(chunk("s1", "OR\n"))

	assert.Empty(t, sink.all())
	assert.Empty(t, e.Patterns("s1"))
}

func TestOnEventDisposer(t *testing.T) {
	e := NewEngine()
	sink := &eventSink{}
	dispose := e.OnEvent(sink.add)

	_, err := e.Register("s1", models.PatternConfig{
		Name:    "err",
		Type:    models.PatternString,
		Pattern: "ERROR",
	})
	require.NoError(t, err)

	dispose()
	e.HandleData(chunk("s1", "ERROR\n"))

	assert.Empty(t, sink.all())
}
