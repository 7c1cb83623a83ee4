package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/examples/knapsack"
	"github.com/snl-pebbl/pebbl/pkg/checkpoint"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/types"
)

// a process checkpointed mid-search, then
// restarted from that file in a fresh process, reaches the same optimum a
// from-scratch run finds.
func TestProcessCheckpointRestartReachesSameOptimum(t *testing.T) {
	opts := pconfig.Default()
	opts.ClusterSize = 1
	opts.InitForceReleases = 0
	opts.MaxScatterProb = 0

	app := knapsack.ScenarioOne()

	first := NewProcess(1, opts, app)
	first.Seed()

	// Step the scheduler a few times by hand rather than racing a wall-clock
	// timeout, so the partial state checkpointed below is deterministic
	// regardless of machine speed.
	stepCtx, stepCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stepCancel()
	for i := 0; i < 3; i++ {
		_, err := first.sched.Step(stepCtx)
		require.NoError(t, err)
	}

	snap := first.buildSnapshot()
	require.NotEmpty(t, snap.Subproblems, "a few scheduler steps must leave unexplored subproblems behind")

	dir := t.TempDir()
	mgr := checkpoint.New(dir, 1, "")
	require.NoError(t, mgr.Write(1, "1 process", snap))
	require.NoError(t, mgr.MarkComplete(1))

	seq, ok := checkpoint.LatestSequence(dir, 1)
	require.True(t, ok)
	assert.Equal(t, 1, seq)
	_, restored, err := mgr.Read(seq)
	require.NoError(t, err)

	second := NewProcess(1, opts, app)
	second.Restore(restored)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, second.Run(ctx))

	_, value, known := second.Solution()
	require.True(t, known)
	assert.Equal(t, 7.0, value, "a restored process must still reach the global optimum")
}

// a restored subproblem or token whose bound is no better than the
// restored incumbent is fathomed on arrival rather than re-explored
// (the fathom test, applied once up front instead of waiting
// for the worker thread to rediscover it).
func TestProcessRestoreFathomsSubproblemsWorseThanIncumbent(t *testing.T) {
	opts := pconfig.Default()
	opts.ClusterSize = 1

	app := knapsack.ScenarioOne()
	p := NewProcess(1, opts, app)

	snap := checkpoint.Snapshot{
		Incumbent: checkpoint.IncumbentRecord{Known: true, Value: 7, Source: 1},
		Subproblems: []types.Subproblem{
			{ID: types.SubproblemID{Processor: 1, Counter: 1}, Bound: 6, Payload: knapsack.Solution{}},
			{ID: types.SubproblemID{Processor: 1, Counter: 2}, Bound: 9, Payload: knapsack.Solution{}},
		},
		Tokens: []types.Token{
			{HomeProcessor: 1, Address: 1, Bound: 5},
			{HomeProcessor: 1, Address: 2, Bound: 12},
		},
	}
	p.Restore(snap)

	require.Equal(t, 1, p.workers[0].Pool().Len(), "the bound-6 subproblem must be fathomed against the maximize-sense value-7 incumbent")
	assert.Equal(t, 1, p.hb.TokenPool().Len(), "the bound-5 token must be fathomed the same way")
}
