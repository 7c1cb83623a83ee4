package loadbal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/pkg/pconfig"
)

func TestReduceSumsClusterStats(t *testing.T) {
	b := New(pconfig.Default())
	g := b.Reduce([]ClusterStat{
		{HubID: 1, Count: 4, AggregateBound: 10, IncumbentKnown: true, IncumbentValue: 7},
		{HubID: 2, Count: 6, AggregateBound: 20, IncumbentKnown: true, IncumbentValue: 7},
	})
	assert.Equal(t, 10, g.Count)
	assert.Equal(t, 30.0, g.AggregateBound)
	assert.Equal(t, 1, b.Round())
}

func TestTerminationDetectedRequiresZeroCountAndAgreement(t *testing.T) {
	b := New(pconfig.Default())
	agree := b.Reduce([]ClusterStat{
		{HubID: 1, Count: 0, IncumbentKnown: true, IncumbentValue: 7},
		{HubID: 2, Count: 0, IncumbentKnown: true, IncumbentValue: 7},
	})
	assert.True(t, b.TerminationDetected(agree))

	disagree := b.Reduce([]ClusterStat{
		{HubID: 1, Count: 0, IncumbentKnown: true, IncumbentValue: 7},
		{HubID: 2, Count: 0, IncumbentKnown: true, IncumbentValue: 6},
	})
	assert.False(t, b.TerminationDetected(disagree))

	busy := b.Reduce([]ClusterStat{{HubID: 1, Count: 3}})
	assert.False(t, b.TerminationDetected(busy))
}

func TestRedistributeMovesFromDonorToReceiver(t *testing.T) {
	opts := pconfig.Default()
	opts.LoadBalDonorFac = 1.2
	opts.LoadBalReceiverFac = 0.8
	opts.LoadBalMinSourceCount = 1
	opts.MaxLoadBalSize = 50
	b := New(opts)

	transfers := b.Redistribute([]ClusterStat{
		{HubID: 1, Count: 20},
		{HubID: 2, Count: 0},
	})
	require.Len(t, transfers, 1)
	assert.Equal(t, int32(1), transfers[0].FromHub)
	assert.Equal(t, int32(2), transfers[0].ToHub)
	assert.Greater(t, transfers[0].Count, 0)
}

func TestIntervalSecondsInflatesWhenSourcesDisagree(t *testing.T) {
	opts := pconfig.Default()
	opts.LoadBalSeconds = 5
	opts.LoadBalIdleIncrease = 3
	b := New(opts)

	normal := GlobalLoad{Count: 2}
	assert.Equal(t, 5.0, b.IntervalSeconds(normal))

	disagree := GlobalLoad{Count: 0, IncumbentSources: map[float64][]int32{1: {1}, 2: {2}}}
	assert.Equal(t, 15.0, b.IntervalSeconds(disagree))
}
