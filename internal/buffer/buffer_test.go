package buffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	m := NewManager(0)

	var prev uint64
	for i := 0; i < 50; i++ {
		seq := m.Append("s1", []byte("chunk"))
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestZeroByteAppendIsNoOp(t *testing.T) {
	m := NewManager(0)

	require.Equal(t, uint64(0), m.Append("s1", nil))
	require.Equal(t, uint64(0), m.Append("s1", []byte{}))

	_, lastSeq := m.GetFull("s1")
	assert.Equal(t, uint64(0), lastSeq)

	seq := m.Append("s1", []byte("a"))
	assert.Equal(t, uint64(1), seq)
}

func TestGetFull(t *testing.T) {
	m := NewManager(0)
	m.Append("s1", []byte("hello "))
	m.Append("s1", []byte("world"))

	data, lastSeq := m.GetFull("s1")
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, uint64(2), lastSeq)
}

func TestGetSinceIncremental(t *testing.T) {
	m := NewManager(0)
	for i := 1; i <= 10; i++ {
		m.Append("s1", []byte(fmt.Sprintf("[%d]", i)))
	}

	data, lastSeq, gap := m.GetSince("s1", 7)
	require.False(t, gap)
	assert.Equal(t, "[8][9][10]", string(data))
	assert.Equal(t, uint64(10), lastSeq)
}

func TestGetSinceCaughtUp(t *testing.T) {
	m := NewManager(0)
	m.Append("s1", []byte("data"))

	data, lastSeq, gap := m.GetSince("s1", 1)
	assert.False(t, gap)
	assert.Empty(t, data)
	assert.Equal(t, uint64(1), lastSeq)

	// A cursor past the head is also "caught up", never an error.
	data, lastSeq, gap = m.GetSince("s1", 99)
	assert.False(t, gap)
	assert.Empty(t, data)
	assert.Equal(t, uint64(1), lastSeq)
}

func TestGetSinceGapFallsBackToFullSnapshot(t *testing.T) {
	m := NewManager(10) // tiny capacity forces eviction
	for i := 1; i <= 10; i++ {
		m.Append("s1", []byte("aaaa")) // 4 bytes per chunk, only 2 retained
	}

	data, lastSeq, gap := m.GetSince("s1", 3)
	require.True(t, gap)
	assert.Equal(t, uint64(10), lastSeq)

	full, _ := m.GetFull("s1")
	assert.Equal(t, string(full), string(data))
}

func TestEvictionKeepsNewestChunks(t *testing.T) {
	m := NewManager(10)
	m.Append("s1", []byte("oldest"))
	m.Append("s1", []byte("middle"))
	m.Append("s1", []byte("new"))

	data, _ := m.GetFull("s1")
	assert.NotContains(t, string(data), "oldest")
	assert.Contains(t, string(data), "new")
	assert.LessOrEqual(t, m.Size("s1"), 10)
}

func TestClearPreservesSequenceCounter(t *testing.T) {
	m := NewManager(0)
	m.Append("s1", []byte("one"))
	m.Append("s1", []byte("two"))
	m.Clear("s1")

	data, lastSeq := m.GetFull("s1")
	assert.Empty(t, data)
	assert.Equal(t, uint64(2), lastSeq)

	seq := m.Append("s1", []byte("three"))
	assert.Equal(t, uint64(3), seq)
}

func TestRestoreSeedsScrollbackAndSequence(t *testing.T) {
	m := NewManager(0)
	m.Restore("s1", []byte("HELLO"), 5)

	data, lastSeq := m.GetFull("s1")
	assert.Equal(t, "HELLO", string(data))
	assert.Equal(t, uint64(5), lastSeq)

	// A client that already saw seq 5 gets nothing.
	inc, _, gap := m.GetSince("s1", 5)
	assert.False(t, gap)
	assert.Empty(t, inc)

	// New output continues strictly above the persisted high-water mark.
	seq := m.Append("s1", []byte(" WORLD"))
	assert.Equal(t, uint64(6), seq)

	full, _ := m.GetFull("s1")
	assert.Equal(t, "HELLO WORLD", string(full))
}

func TestRestoreKeepsChunksAppendedBeforeSeeding(t *testing.T) {
	m := NewManager(0)

	// A respawned shell can emit its prompt before the persisted
	// scrollback is installed. Those bytes must survive restoration and
	// be renumbered past the persisted cursor.
	seq := m.Append("s1", []byte("PROMPT$ "))
	assert.Equal(t, uint64(1), seq)

	m.Restore("s1", []byte("HELLO"), 57)

	full, lastSeq := m.GetFull("s1")
	assert.Equal(t, "HELLOPROMPT$ ", string(full))
	assert.Equal(t, uint64(58), lastSeq)

	// A client that already saw the persisted cursor gets only the live
	// prompt chunk, with no gap.
	inc, incLast, gap := m.GetSince("s1", 57)
	assert.False(t, gap)
	assert.Equal(t, "PROMPT$ ", string(inc))
	assert.Equal(t, uint64(58), incLast)

	seq = m.Append("s1", []byte("ls\r\n"))
	assert.Equal(t, uint64(59), seq)
}

func TestSeedNeverMovesBackwards(t *testing.T) {
	m := NewManager(0)
	m.Append("s1", []byte("x"))
	m.Append("s1", []byte("y"))
	m.Seed("s1", 1)

	seq := m.Append("s1", []byte("z"))
	assert.Equal(t, uint64(3), seq)
}

func TestSessionsAreIndependent(t *testing.T) {
	m := NewManager(0)
	m.Append("a", []byte("for-a"))
	m.Append("b", []byte("for-b"))

	dataA, seqA := m.GetFull("a")
	dataB, seqB := m.GetFull("b")
	assert.Equal(t, "for-a", string(dataA))
	assert.Equal(t, "for-b", string(dataB))
	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)
}

func TestConcurrentAppendAndRead(t *testing.T) {
	m := NewManager(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			m.Append("s1", []byte("chunk"))
		}
	}()
	for i := 0; i < 500; i++ {
		m.GetSince("s1", uint64(i))
	}
	<-done

	_, lastSeq := m.GetFull("s1")
	assert.Equal(t, uint64(500), lastSeq)
}
