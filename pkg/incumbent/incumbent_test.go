package incumbent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/pkg/types"
)

type recordingListener struct {
	pruned []float64
}

func (r *recordingListener) PruneOnIncumbent(value float64) {
	r.pruned = append(r.pruned, value)
}

func TestBroadcasterMonotoneImprovement(t *testing.T) {
	b := New(types.Minimize, nil, nil)
	l := &recordingListener{}
	b.AddListener(l)

	assert.True(t, b.Discover(1, 10.0, nil))
	assert.Equal(t, 10.0, b.Current().Value)

	// worse value under minimize: rejected
	assert.False(t, b.Receive(12.0, 2, nil))
	assert.Equal(t, 10.0, b.Current().Value)

	// strict improvement: accepted
	assert.True(t, b.Receive(7.0, 2, nil))
	assert.Equal(t, 7.0, b.Current().Value)
	assert.Equal(t, int32(2), b.Current().Source)

	require.Len(t, l.pruned, 2)
	assert.Equal(t, []float64{10.0, 7.0}, l.pruned)
}

func TestBroadcasterTieBreaksBySource(t *testing.T) {
	b := New(types.Minimize, nil, nil)
	require.True(t, b.Discover(5, 3.0, nil))

	// equal value, higher source: rejected
	assert.False(t, b.Receive(3.0, 9, nil))
	// equal value, lower source: accepted (deterministic tie-break)
	assert.True(t, b.Receive(3.0, 1, nil))
	assert.Equal(t, int32(1), b.Current().Source)
}

type fakePeer struct {
	sent []string
}

func (f *fakePeer) SendIncumbent(addr string, value float64, source int32, payload []byte) error {
	f.sent = append(f.sent, addr)
	return nil
}

func TestBroadcasterForwardsToChildren(t *testing.T) {
	peer := &fakePeer{}
	b := New(types.Maximize, []string{"h2", "h3"}, peer)

	b.Discover(1, 5.0, nil)
	assert.Equal(t, []string{"h2", "h3"}, peer.sent)
}
