package extentlist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/ingest"
	"github.com/kuncao/akumuli/internal/logp"
)

func init() {
	logp.DevelopmentSetup()
}

func newTestStore(t *testing.T) blockstore.Store {
	t.Helper()
	store, err := blockstore.NewFileStore(t.TempDir(), logp.NewLogger("test"))
	require.NoError(t, err)
	return store
}

func TestAppendBelowThresholdReturnsOK(t *testing.T) {
	tree := New(1, newTestStore(t), 4)

	for i, ts := range []int64{1, 2, 3} {
		outcome, err := tree.Append(ts, float64(i))
		require.NoError(t, err)
		require.Equal(t, ingest.AppendOK, outcome)
	}
	require.Empty(t, tree.GetRoots())
}

func TestAppendCrossingThresholdFlushes(t *testing.T) {
	tree := New(1, newTestStore(t), 2)

	outcome, err := tree.Append(1, 1.0)
	require.NoError(t, err)
	require.Equal(t, ingest.AppendOK, outcome)

	outcome, err = tree.Append(2, 2.0)
	require.NoError(t, err)
	require.Equal(t, ingest.AppendOKFlushNeeded, outcome)
	require.Len(t, tree.GetRoots(), 1)
}

func TestAppendRejectsNonIncreasingTimestamp(t *testing.T) {
	tree := New(1, newTestStore(t), 100)

	_, err := tree.Append(10, 1.0)
	require.NoError(t, err)

	outcome, err := tree.Append(10, 2.0)
	require.NoError(t, err)
	require.Equal(t, ingest.AppendFailLateWrite, outcome)

	outcome, err = tree.Append(5, 2.0)
	require.NoError(t, err)
	require.Equal(t, ingest.AppendFailLateWrite, outcome)
}

func TestRecoverPreservesMonotonicity(t *testing.T) {
	store := newTestStore(t)
	tree := New(7, store, 2)

	_, err := tree.Append(100, 1.0)
	require.NoError(t, err)
	_, err = tree.Append(200, 2.0)
	require.NoError(t, err)
	roots := tree.GetRoots()
	require.Len(t, roots, 1)

	recovered, err := Recover(7, store, roots, 2)
	require.NoError(t, err)

	outcome, err := recovered.Append(150, 3.0)
	require.NoError(t, err)
	require.Equal(t, ingest.AppendFailLateWrite, outcome, "recovered tree must reject writes at or before the last persisted timestamp")

	outcome, err = recovered.Append(201, 3.0)
	require.NoError(t, err)
	require.Equal(t, ingest.AppendOK, outcome)
}
