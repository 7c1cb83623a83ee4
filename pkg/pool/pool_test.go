package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/pkg/types"
)

func sp(id uint64, bound float64) *types.Subproblem {
	return &types.Subproblem{ID: types.SubproblemID{Processor: 1, Counter: id}, Bound: bound}
}

func TestLocalPoolOrdering(t *testing.T) {
	p := NewLocalPool(types.Minimize)
	p.Insert(sp(1, 5.0))
	p.Insert(sp(2, 2.0))
	p.Insert(sp(3, 8.0))
	p.Insert(sp(4, 2.0)) // tie with id 2, should come out after it

	require.Equal(t, 4, p.Len())
	first := p.SelectBest()
	assert.Equal(t, uint64(2), first.ID.Counter)
	second := p.SelectBest()
	assert.Equal(t, uint64(4), second.ID.Counter)
	third := p.SelectBest()
	assert.Equal(t, uint64(1), third.ID.Counter)
	fourth := p.SelectBest()
	assert.Equal(t, uint64(3), fourth.ID.Counter)
	assert.Nil(t, p.SelectBest())
}

func TestLocalPoolMaximizeOrdering(t *testing.T) {
	p := NewLocalPool(types.Maximize)
	p.Insert(sp(1, 5.0))
	p.Insert(sp(2, 8.0))
	p.Insert(sp(3, 2.0))

	best := p.SelectBest()
	assert.Equal(t, uint64(2), best.ID.Counter)
}

func TestLocalPoolPruneIdempotence(t *testing.T) {
	p := NewLocalPool(types.Minimize)
	p.Insert(sp(1, 10.0))
	p.Insert(sp(2, 10.0))
	p.Insert(sp(3, 5.0))

	var recycled []types.SubproblemID
	removedFirst := p.Prune(types.Minimize, 6.0, func(s *types.Subproblem) {
		recycled = append(recycled, s.ID)
	})
	assert.Equal(t, 2, removedFirst)
	assert.Equal(t, 1, p.Len())

	removedSecond := p.Prune(types.Minimize, 6.0, func(s *types.Subproblem) {
		recycled = append(recycled, s.ID)
	})
	assert.Equal(t, 0, removedSecond)
	assert.Len(t, recycled, 2)
}

func TestLocalPoolSnapshot(t *testing.T) {
	p := NewLocalPool(types.Minimize)
	assert.False(t, p.Snapshot().HasAny)

	p.Insert(sp(1, 4.0))
	p.Insert(sp(2, 1.0))
	snap := p.Snapshot()
	assert.True(t, snap.HasAny)
	assert.Equal(t, 2, snap.Count)
	assert.Equal(t, 1.0, snap.BestBound)
	assert.Equal(t, 5.0, snap.AggregateBound)
}

func TestTokenPoolOrderingAndPrune(t *testing.T) {
	tp := NewTokenPool(types.Minimize)
	tp.Insert(types.Token{HomeProcessor: 1, Address: 1, Bound: 7.0})
	tp.Insert(types.Token{HomeProcessor: 1, Address: 2, Bound: 3.0})
	tp.Insert(types.Token{HomeProcessor: 1, Address: 3, Bound: 9.0})

	best, ok := tp.RemoveBest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), best.Address)

	var released []uint64
	removed := tp.Prune(types.Minimize, 8.0, func(tok types.Token) {
		released = append(released, tok.Address)
	})
	assert.Equal(t, 1, removed)
	assert.Equal(t, []uint64{3}, released)
	assert.Equal(t, 1, tp.Len())

	removedAgain := tp.Prune(types.Minimize, 8.0, nil)
	assert.Equal(t, 0, removedAgain)
}
