package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMarkStartedAndFinished(t *testing.T) {
	l := openLedger(t)

	require.NoError(t, l.MarkStarted("exec-1"))
	require.NoError(t, l.MarkStarted("exec-2"))

	ids, err := l.ActiveIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"exec-1", "exec-2"}, ids)

	require.NoError(t, l.MarkFinished("exec-1"))

	ids, err = l.ActiveIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-2"}, ids)
}

func TestMarkFinishedUnknownID(t *testing.T) {
	l := openLedger(t)
	assert.NoError(t, l.MarkFinished("never-started"))
}

// Entries survive reopen: that is the whole point of the ledger.
func TestActiveIDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, l.MarkStarted("exec-crashed"))
	require.NoError(t, l.Close())

	l2, err := New(dir)
	require.NoError(t, err)
	defer l2.Close()

	ids, err := l2.ActiveIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-crashed"}, ids)
}
