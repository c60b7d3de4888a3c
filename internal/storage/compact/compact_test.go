package compact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/storage/log"
)

func testConfig() log.Config {
	return log.Config{
		MaxEntrySize:   1024,
		MaxSegmentSize: 4096,
		MaxEntries:     4,
	}
}

func openTestLog(t *testing.T) *log.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := log.Open(dir, "test", testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func fillSegments(t *testing.T, l *log.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(&entry.NoOpEntry{})
		require.NoError(t, err)
	}
}

func TestRunMinorDropsCleanableEntries(t *testing.T) {
	l := openTestLog(t)
	fillSegments(t, l, int(testConfig().MaxEntries)+1) // seals one 4-entry segment, rolls to a new one

	dropEven := func(e entry.Entry) bool {
		return e.GetIndex()%2 == 0
	}
	c := New(l, dropEven)
	require.NoError(t, c.RunMinor(100))

	assert.False(t, l.ContainsIndex(2))
	assert.False(t, l.ContainsIndex(4))
	assert.True(t, l.ContainsIndex(1))
	assert.True(t, l.ContainsIndex(3))
	h, err := l.Get(1)
	require.NoError(t, err)
	h.Release()
}

func TestRunMinorNoEligibleSegments(t *testing.T) {
	l := openTestLog(t)
	fillSegments(t, l, 2) // current segment only, nothing sealed yet

	c := New(l, nil)
	require.NoError(t, c.RunMinor(100))
	assert.True(t, l.ContainsIndex(1))
	assert.True(t, l.ContainsIndex(2))
}

func TestRunMajorMergesContiguousSegments(t *testing.T) {
	l := openTestLog(t)
	fillSegments(t, l, int(testConfig().MaxEntries)*2+1) // two sealed segments + current

	c := New(l, nil)
	require.NoError(t, c.RunMajor(1000))

	for i := uint64(1); i <= 8; i++ {
		assert.True(t, l.ContainsIndex(i), "index %d should survive merge", i)
	}
}

func TestRunMajorRespectsGlobalIndexBound(t *testing.T) {
	l := openTestLog(t)
	fillSegments(t, l, int(testConfig().MaxEntries)*2+1)

	c := New(l, nil)
	// globalIndex covers only the first sealed segment's range: a major
	// merge needs at least two eligible segments, so this does nothing.
	require.NoError(t, c.RunMajor(4))
	assert.True(t, l.ContainsIndex(5)) // second sealed segment untouched
}

func TestMinorCompactionSurvivesReopenAfterSwap(t *testing.T) {
	dir := t.TempDir()
	l, err := log.Open(dir, "test", testConfig(), nil)
	require.NoError(t, err)
	fillSegments(t, l, int(testConfig().MaxEntries)+1)

	dropAll := func(e entry.Entry) bool { return e.GetIndex() <= 2 }
	c := New(l, dropAll)
	require.NoError(t, c.RunMinor(100))
	require.NoError(t, l.Close())

	reopened, err := log.Open(dir, "test", testConfig(), nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.False(t, reopened.ContainsIndex(1))
	assert.False(t, reopened.ContainsIndex(2))
	assert.True(t, reopened.ContainsIndex(3))
}
