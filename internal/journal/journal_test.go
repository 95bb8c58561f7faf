package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelltender/shelltender/internal/models"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	j := openTestJournal(t)

	j.Append(models.TerminalEvent{
		Type:        models.EventPatternMatch,
		SessionID:   "s1",
		PatternName: "errors",
		Match:       "ERROR: boom",
		Timestamp:   time.Now(),
	})
	j.Append(models.TerminalEvent{
		Type:      models.EventBell,
		SessionID: "s1",
		Timestamp: time.Now(),
	})
	j.Append(models.TerminalEvent{
		Type:      models.EventExit,
		SessionID: "other",
		Timestamp: time.Now(),
	})

	events, err := j.Recent("s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, models.EventBell, events[0].Type)
	assert.Equal(t, models.EventPatternMatch, events[1].Type)
	assert.Equal(t, "errors", events[1].PatternName)
	assert.Equal(t, "ERROR: boom", events[1].Match)
}

func TestRecentHonorsLimit(t *testing.T) {
	j := openTestJournal(t)
	for i := 0; i < 5; i++ {
		j.Append(models.TerminalEvent{Type: models.EventBell, SessionID: "s1", Timestamp: time.Now()})
	}

	events, err := j.Recent("s1", 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Out-of-range limits fall back to the default.
	events, err = j.Recent("s1", -1)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestRecentUnknownSession(t *testing.T) {
	j := openTestJournal(t)
	events, err := j.Recent("ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	j.Append(models.TerminalEvent{
		Type:      models.EventBell,
		SessionID: "s1",
		Timestamp: time.Now().Add(-48 * time.Hour),
	})
	j.Append(models.TerminalEvent{
		Type:      models.EventBell,
		SessionID: "s1",
		Timestamp: time.Now(),
	})

	j.Prune(24 * time.Hour)

	events, err := j.Recent("s1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
