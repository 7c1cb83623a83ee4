package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/examples/knapsack"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
)

// a single worker process solves the reference
// knapsack instance end to end.
func TestProcessSolvesScenarioOneSingleWorker(t *testing.T) {
	opts := pconfig.Default()
	opts.ClusterSize = 1
	opts.InitForceReleases = 0
	opts.MaxScatterProb = 0

	app := knapsack.ScenarioOne()
	p := NewProcess(1, opts, app)
	p.Seed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	solution, value, known := p.Solution()
	require.True(t, known, "a feasible solution must be found")
	assert.Equal(t, 7.0, value)
	assert.Equal(t, 7, solution.(knapsack.Solution).Value)
	assert.ElementsMatch(t, []int{0, 1}, solution.(knapsack.Solution).Items)
}

// scenario 2: a 4-worker/1-hub cluster reaches the same optimum as the
// single-worker run, exercising release/dispatch/rebalance end to end.
func TestProcessSolvesScenarioTwoFourWorkerCluster(t *testing.T) {
	opts := pconfig.Default()
	opts.ClusterSize = 4
	opts.HubsDontWorkSize = 0 // force the hub to stay pure dispatcher
	opts.MinRampUpSubprobsCreated = 2
	opts.InitForceReleases = 4

	app := knapsack.ScenarioOne()
	p := NewProcess(1, opts, app)
	p.Seed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	_, value, known := p.Solution()
	require.True(t, known)
	assert.Equal(t, 7.0, value)
}

// scenario 3: rampUpOnly force-quits once the ramp-up creation threshold
// is crossed — the tree has only been grown, never searched to its leaves,
// so the run ends with at least minRampUpSubprobsCreated subproblems
// produced and no incumbent.
func TestProcessRampUpOnlyForceQuitsAfterRampUp(t *testing.T) {
	opts := pconfig.Default()
	opts.ClusterSize = 4
	opts.RampUpOnly = true
	opts.MinRampUpSubprobsCreated = 8

	app := knapsack.ScenarioOne()
	p := NewProcess(1, opts, app)
	p.Seed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.False(t, p.rampedUp, "rampUpOnly must never promote to parallel mode")
	assert.GreaterOrEqual(t, p.workers[0].ChildrenCreated(), opts.MinRampUpSubprobsCreated)
	for _, w := range p.workers[1:] {
		assert.Equal(t, 0, w.Pool().Len(), "non-primary workers never receive work under rampUpOnly")
	}

	_, _, known := p.Solution()
	assert.False(t, known, "a force-quit ramp-up reports incumbent unknown")
}

// a strictly worse incumbent discovered first must be superseded once the
// true optimum is found, and pruning must not discard it prematurely.
func TestProcessIncumbentImprovesMonotonically(t *testing.T) {
	opts := pconfig.Default()
	opts.ClusterSize = 1

	app := knapsack.New(5, []knapsack.Item{
		{Weight: 2, Value: 3},
		{Weight: 3, Value: 4},
		{Weight: 4, Value: 5},
		{Weight: 5, Value: 6},
	})
	p := NewProcess(2, opts, app)
	p.Seed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	_, value, known := p.Solution()
	require.True(t, known)
	assert.Equal(t, 7.0, value, "optimum must be 7 regardless of discovery order")
}
