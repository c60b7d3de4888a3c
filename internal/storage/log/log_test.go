package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/entry"
)

func testConfig() Config {
	return Config{
		MaxEntrySize:   1024,
		MaxSegmentSize: 4096,
		MaxEntries:     4,
	}
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, "test", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAppendAndGet(t *testing.T) {
	l := openTestLog(t)

	idx, err := l.Append(&entry.NoOpEntry{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	h, err := l.Get(1)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, uint64(1), h.Entry.GetIndex())
}

func TestLogRollsOverWhenSegmentFull(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < int(testConfig().MaxEntries)+1; i++ {
		_, err := l.Append(&entry.NoOpEntry{})
		require.NoError(t, err)
	}

	assert.Len(t, l.sealed, 1)
	assert.Equal(t, uint64(5), l.LastIndex())
	h, err := l.Get(5)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, uint64(5), h.Entry.GetIndex())
}

func TestLogContainsIndex(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Append(&entry.NoOpEntry{})
	require.NoError(t, err)

	assert.True(t, l.ContainsIndex(1))
	assert.False(t, l.ContainsIndex(2))
	assert.False(t, l.ContainsIndex(0))
}

func TestLogTruncateWithinCurrentSegment(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := l.Append(&entry.NoOpEntry{})
		require.NoError(t, err)
	}
	require.NoError(t, l.Truncate(2))

	assert.Equal(t, uint64(2), l.LastIndex())
	assert.False(t, l.ContainsIndex(3))
}

func TestLogTruncateAcrossSealedSegment(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < int(testConfig().MaxEntries)+2; i++ {
		_, err := l.Append(&entry.NoOpEntry{})
		require.NoError(t, err)
	}
	require.Len(t, l.sealed, 1)

	require.NoError(t, l.Truncate(3))
	assert.Equal(t, uint64(3), l.LastIndex())
	assert.Empty(t, l.sealed)
	assert.False(t, l.current.Locked())
}

func TestLogReconcileReopensSealedSegments(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "test", testConfig(), nil)
	require.NoError(t, err)

	for i := 0; i < int(testConfig().MaxEntries)+1; i++ {
		_, err := l.Append(&entry.NoOpEntry{})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := Open(dir, "test", testConfig(), nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(5), reopened.LastIndex())
	h, err := reopened.Get(1)
	require.NoError(t, err)
	h.Release()
}

func TestLogCommitIndexMonotonic(t *testing.T) {
	l := openTestLog(t)

	l.SetCommitIndex(5)
	l.SetCommitIndex(3)
	assert.Equal(t, uint64(5), l.CommitIndex())

	l.SetCommitIndex(8)
	assert.Equal(t, uint64(8), l.CommitIndex())
}

func TestLogGetMissingIndexErrors(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Get(42)
	assert.ErrorIs(t, err, errNoSuchIndex)
}

func TestLogResetStartsFreshPastSnapshotBoundary(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := l.Append(&entry.NoOpEntry{})
		require.NoError(t, err)
	}

	require.NoError(t, l.Reset(10, 3))

	assert.Equal(t, uint64(11), l.FirstIndex())
	assert.Equal(t, uint64(10), l.LastIndex())
	assert.Equal(t, uint64(10), l.CommitIndex())
	assert.False(t, l.IsEmpty())
	assert.Equal(t, uint64(3), l.LastTerm())
	assert.False(t, l.ContainsIndex(1))

	idx, err := l.Append(&entry.NoOpEntry{})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), idx)
}
