// Package pool implements the LocalPool and TokenPool priority
// containers: ordered collections with O(log n) insert, best-first
// selection tie-broken by insertion order, and bulk pruning by a bound
// cutoff.
package pool

import (
	"container/heap"

	"github.com/snl-pebbl/pebbl/pkg/types"
)

// Snapshot is the incremental load summary each pool exposes:
// count, aggregate bound, and the best (minimum-in-sense) bound.
type Snapshot struct {
	Count          int
	AggregateBound float64
	BestBound      float64
	HasAny         bool
}

type localEntry struct {
	sp  *types.Subproblem
	seq uint64
}

// localHeap orders Subproblems best-first under sense, ties broken by
// insertion order (lower seq wins, i.e. FIFO among equal bounds).
type localHeap struct {
	entries []*localEntry
	sense   types.Sense
}

func (h localHeap) Len() int { return len(h.entries) }
func (h localHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.sp.Bound == b.sp.Bound {
		return a.seq < b.seq
	}
	return h.sense.Improves(a.sp.Bound, b.sp.Bound)
}
func (h localHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *localHeap) Push(x any)   { h.entries = append(h.entries, x.(*localEntry)) }
func (h *localHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

// LocalPool is the per-process ordered collection of boundable/bounded
// subproblems. LocalPool exclusively owns
// every Subproblem it holds; it is never accessed from more than one
// goroutine (the cooperative scheduler's single goroutine — see pkg/engine
// model), so no internal locking is used.
type LocalPool struct {
	h       localHeap
	byID    map[types.SubproblemID]*localEntry
	nextSeq uint64

	count          int
	aggregateBound float64
}

func NewLocalPool(sense types.Sense) *LocalPool {
	return &LocalPool{
		h:    localHeap{sense: sense},
		byID: make(map[types.SubproblemID]*localEntry),
	}
}

// Insert adds sp to the pool. O(log n).
func (p *LocalPool) Insert(sp *types.Subproblem) {
	e := &localEntry{sp: sp, seq: p.nextSeq}
	p.nextSeq++
	p.byID[sp.ID] = e
	heap.Push(&p.h, e)
	p.count++
	p.aggregateBound += sp.Bound
}

// SelectBest removes and returns the subproblem the pool's sense
// prioritises, or nil if the pool is empty.
func (p *LocalPool) SelectBest() *types.Subproblem {
	if p.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&p.h).(*localEntry)
	delete(p.byID, e.sp.ID)
	p.count--
	p.aggregateBound -= e.sp.Bound
	return e.sp
}

// Remove removes a specific subproblem by id, e.g. when a worker decides to
// release rather than bound it. Reports whether it was present.
func (p *LocalPool) Remove(id types.SubproblemID) (*types.Subproblem, bool) {
	e, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	for i, cand := range p.h.entries {
		if cand == e {
			heap.Remove(&p.h, i)
			break
		}
	}
	delete(p.byID, id)
	p.count--
	p.aggregateBound -= e.sp.Bound
	return e.sp, true
}

// Prune removes every subproblem whose bound is dominated by cutoff under
// the pool's sense. recycle is called once per removed
// subproblem, in the pool's own iteration order, so the caller (the
// SubproblemHandler) can decrement token counts on shared parents; it
// returns the number removed. Running Prune twice in a row with the same
// cutoff and no intervening Insert is idempotent: the second call finds
// nothing left to remove.
func (p *LocalPool) Prune(sense types.Sense, cutoff float64, recycle func(*types.Subproblem)) int {
	removed := 0
	kept := p.h.entries[:0]
	for _, e := range p.h.entries {
		if sense.Dominates(cutoff, e.sp.Bound) {
			delete(p.byID, e.sp.ID)
			p.count--
			p.aggregateBound -= e.sp.Bound
			removed++
			if recycle != nil {
				recycle(e.sp)
			}
			continue
		}
		kept = append(kept, e)
	}
	p.h.entries = kept
	heap.Init(&p.h)
	return removed
}

// Peek returns the best subproblem without removing it, or nil if empty.
func (p *LocalPool) Peek() *types.Subproblem {
	if p.h.Len() == 0 {
		return nil
	}
	return p.h.entries[0].sp
}

// Snapshot returns the pool's incremental load summary.
func (p *LocalPool) Snapshot() Snapshot {
	if p.count == 0 {
		return Snapshot{}
	}
	return Snapshot{
		Count:          p.count,
		AggregateBound: p.aggregateBound,
		BestBound:      p.Peek().Bound,
		HasAny:         true,
	}
}

func (p *LocalPool) Len() int { return p.count }
