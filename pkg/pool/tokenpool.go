package pool

import (
	"container/heap"

	"github.com/snl-pebbl/pebbl/pkg/types"
)

type tokenEntry struct {
	tok types.Token
	seq uint64
}

type tokenHeap struct {
	entries []*tokenEntry
	sense   types.Sense
}

func (h tokenHeap) Len() int { return len(h.entries) }
func (h tokenHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.tok.Bound == b.tok.Bound {
		return a.seq < b.seq
	}
	return h.sense.Improves(a.tok.Bound, b.tok.Bound)
}
func (h tokenHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *tokenHeap) Push(x any)   { h.entries = append(h.entries, x.(*tokenEntry)) }
func (h *tokenHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

// TokenPool is a hub's ordered collection of tokens:
// ordered by bound then arrival order, supporting insert, removeBest and
// prune(cutoff). A hub holds exactly one TokenPool for its cluster.
type TokenPool struct {
	h       tokenHeap
	nextSeq uint64

	count          int
	aggregateBound float64
}

func NewTokenPool(sense types.Sense) *TokenPool {
	return &TokenPool{h: tokenHeap{sense: sense}}
}

// Insert adds tok to the pool. O(log n).
func (p *TokenPool) Insert(tok types.Token) {
	e := &tokenEntry{tok: tok, seq: p.nextSeq}
	p.nextSeq++
	heap.Push(&p.h, e)
	p.count++
	p.aggregateBound += tok.Bound
}

// RemoveBest removes and returns the best token, or false if empty.
func (p *TokenPool) RemoveBest() (types.Token, bool) {
	if p.h.Len() == 0 {
		return types.Token{}, false
	}
	e := heap.Pop(&p.h).(*tokenEntry)
	p.count--
	p.aggregateBound -= e.tok.Bound
	return e.tok, true
}

// Prune removes every token dominated by cutoff, releasing each one's
// reference via release (normally decrementing the owning subproblem's
// tokenCount on the home processor). Returns the number removed.
func (p *TokenPool) Prune(sense types.Sense, cutoff float64, release func(types.Token)) int {
	removed := 0
	kept := p.h.entries[:0]
	for _, e := range p.h.entries {
		if sense.Dominates(cutoff, e.tok.Bound) {
			p.count--
			p.aggregateBound -= e.tok.Bound
			removed++
			if release != nil {
				release(e.tok)
			}
			continue
		}
		kept = append(kept, e)
	}
	p.h.entries = kept
	heap.Init(&p.h)
	return removed
}

func (p *TokenPool) Snapshot() Snapshot {
	if p.count == 0 {
		return Snapshot{}
	}
	return Snapshot{
		Count:          p.count,
		AggregateBound: p.aggregateBound,
		BestBound:      p.h.entries[0].tok.Bound,
		HasAny:         true,
	}
}

func (p *TokenPool) Len() int { return p.count }

// All returns every token currently in the pool, in no particular order;
// used by the checkpoint manager to serialize the pool's contents.
func (p *TokenPool) All() []types.Token {
	out := make([]types.Token, len(p.h.entries))
	for i, e := range p.h.entries {
		out[i] = e.tok
	}
	return out
}
