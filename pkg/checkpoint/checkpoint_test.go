package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/snl-pebbl/pebbl/pkg/pool"
	"github.com/snl-pebbl/pebbl/pkg/types"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 3, "")
	require.NotEmpty(t, m.RunID())

	snap := Snapshot{
		Subproblems: []types.Subproblem{
			{ID: types.SubproblemID{Processor: 3, Counter: 1}, Bound: 4.5, State: types.StateBoundable},
		},
		Tokens: []types.Token{
			{HomeProcessor: 3, Address: 2, Bound: 7.0},
		},
		Incumbent: IncumbentRecord{Known: true, Value: 7, Source: 1},
		Counters:  Counters{SPReleaseCount: 2, SPAckCount: 1},
	}

	require.NoError(t, m.Write(1, "3 processes: 1 hub, 2 workers", snap))

	header, got, err := m.Read(1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), header.ProcessID)
	assert.Equal(t, m.RunID(), header.RunID)
	assert.Equal(t, snap.Subproblems, got.Subproblems)
	assert.Equal(t, snap.Tokens, got.Tokens)
	assert.Equal(t, snap.Incumbent, got.Incumbent)
	assert.Equal(t, snap.Counters, got.Counters)
}

func TestMarkCompleteAccumulatesEntries(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, 1, "run-a")
	b := New(dir, 2, "run-a")

	require.NoError(t, a.Write(5, "topology", Snapshot{}))
	require.NoError(t, b.Write(5, "topology", Snapshot{}))
	require.NoError(t, a.MarkComplete(5))
	require.NoError(t, b.MarkComplete(5))

	headers, snaps, err := ReadAll(dir, 5)
	require.NoError(t, err)
	assert.Len(t, headers, 2)
	assert.Len(t, snaps, 2)
}

func TestReadDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 1, "")
	require.NoError(t, m.Write(1, "topology", Snapshot{
		Incumbent: IncumbentRecord{Known: true, Value: 1},
	}))

	db, err := bolt.Open(m.path(1), 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketIncumbent, "current", IncumbentRecord{Known: true, Value: 999})
	}))
	require.NoError(t, db.Close())

	_, _, err = m.Read(1)
	assert.Error(t, err)
}

func TestSnapshotFromPreservesPools(t *testing.T) {
	lp := pool.NewLocalPool(types.Minimize)
	lp.Insert(&types.Subproblem{ID: types.SubproblemID{Processor: 1, Counter: 1}, Bound: 3})
	lp.Insert(&types.Subproblem{ID: types.SubproblemID{Processor: 1, Counter: 2}, Bound: 1})

	tp := pool.NewTokenPool(types.Minimize)
	tp.Insert(types.Token{HomeProcessor: 1, Address: 9, Bound: 2})

	snap := SnapshotFrom(lp, tp, IncumbentRecord{}, Counters{})
	assert.Len(t, snap.Subproblems, 2)
	assert.Len(t, snap.Tokens, 1)
	assert.Equal(t, 2, lp.Len(), "SnapshotFrom must restore the pool it drained")
}

func TestMergeKeepsIdentitiesAndPicksBestIncumbent(t *testing.T) {
	a := Snapshot{
		Subproblems: []types.Subproblem{{ID: types.SubproblemID{Processor: 1, Counter: 1}, Bound: 4}},
		Tokens:      []types.Token{{HomeProcessor: 1, Address: 1, Bound: 4}},
		Incumbent:   IncumbentRecord{Known: true, Value: 10, Source: 1},
	}
	b := Snapshot{
		Subproblems: []types.Subproblem{{ID: types.SubproblemID{Processor: 2, Counter: 1}, Bound: 3}},
		Tokens:      []types.Token{{HomeProcessor: 2, Address: 1, Bound: 3}},
		Incumbent:   IncumbentRecord{Known: true, Value: 8, Source: 2},
	}

	merged := Merge(types.Minimize, []Snapshot{a, b})
	require.Len(t, merged.Subproblems, 2)
	require.Len(t, merged.Tokens, 2)
	assert.Equal(t, types.SubproblemID{Processor: 1, Counter: 1}, merged.Subproblems[0].ID)
	assert.Equal(t, types.SubproblemID{Processor: 2, Counter: 1}, merged.Subproblems[1].ID)
	assert.Equal(t, IncumbentRecord{Known: true, Value: 8, Source: 2}, merged.Incumbent,
		"Minimize sense must pick the lower incumbent value")
}

func TestMergeBreaksIncumbentTiesBySource(t *testing.T) {
	a := Snapshot{Incumbent: IncumbentRecord{Known: true, Value: 5, Source: 3}}
	b := Snapshot{Incumbent: IncumbentRecord{Known: true, Value: 5, Source: 1}}

	merged := Merge(types.Minimize, []Snapshot{a, b})
	assert.Equal(t, int32(1), merged.Incumbent.Source)
}

func TestLatestSequenceFindsHighestPerProcess(t *testing.T) {
	dir := t.TempDir()
	m1 := New(dir, 1, "run")
	m2 := New(dir, 2, "run")
	require.NoError(t, m1.Write(1, "topology", Snapshot{}))
	require.NoError(t, m1.Write(2, "topology", Snapshot{}))
	require.NoError(t, m2.Write(1, "topology", Snapshot{}))

	seq, ok := LatestSequence(dir, 1)
	require.True(t, ok)
	assert.Equal(t, 2, seq)

	seq, ok = LatestSequence(dir, 2)
	require.True(t, ok)
	assert.Equal(t, 1, seq)

	_, ok = LatestSequence(dir, 99)
	assert.False(t, ok)
}

func TestLatestAllSequenceFindsHighestAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	m1 := New(dir, 1, "run")
	m2 := New(dir, 2, "run")
	require.NoError(t, m1.Write(1, "topology", Snapshot{}))
	require.NoError(t, m2.Write(3, "topology", Snapshot{}))
	require.NoError(t, m2.MarkComplete(3))

	seq, ok := LatestAllSequence(dir)
	require.True(t, ok)
	assert.Equal(t, 3, seq, "the .complete marker file must not be mistaken for a checkpoint sequence")
}
