// Package hub implements the per-cluster coordinator: owner of the
// cluster's TokenPool, dispatcher of tokens to low-loaded workers, and the
// component that prunes queued work on incumbent improvement.
package hub

import (
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
	"github.com/snl-pebbl/pebbl/pkg/pool"
	"github.com/snl-pebbl/pebbl/pkg/types"
	"github.com/snl-pebbl/pebbl/pkg/worker"
)

// ClusterLoad is the cluster-local load summary a hub maintains and
// reports upward during load balancing.
type ClusterLoad struct {
	Count          int
	AggregateBound float64
	IncumbentValue float64
	IncumbentKnown bool
	MismatchFlag   bool
}

// workerRecord is the hub's per-worker bookkeeping.
type workerRecord struct {
	id         int32
	count      int
	bound      float64
	boundKnown bool
	inFlight   int

	// rebalancesSeen counts the rebalance batches processed from this
	// worker; broadcast back so the worker's counter fence opens for the
	// next batch.
	rebalancesSeen int

	w      *worker.Worker
	weight float64
}

// Hub owns a TokenPool and dispatches to the workers in its cluster.
type Hub struct {
	id    int32
	opts  pconfig.Options
	sense types.Sense
	pool  *pool.TokenPool

	workers map[int32]*workerRecord
	order   []int32 // stable iteration order, insertion order

	// imported holds subproblems that arrived here alongside tokens from
	// another cluster's hub; they materialize when their token is
	// dispatched or pruned.
	imported map[types.SubproblemID]*types.Subproblem

	loadBalRound int

	// clusterLoadRatio is this cluster's load relative to the global
	// average, as last reported by the load balancer; re-broadcast to
	// workers to shape their non-local scatter trials.
	clusterLoadRatio float64

	rng *rand.Rand

	clusterSize int

	// asWorker is populated when clusterSize <= hubsDontWorkSize; nil when
	// the hub does only hub work.
	asWorker *worker.Worker

	logger zerolog.Logger
}

// New constructs a Hub for cluster id, with clusterSize telling it whether
// to also run a local worker.
func New(id int32, opts pconfig.Options, sense types.Sense, clusterSize int) *Hub {
	h := &Hub{
		id:               id,
		opts:             opts,
		sense:            sense,
		pool:             pool.NewTokenPool(sense),
		workers:          make(map[int32]*workerRecord),
		imported:         make(map[types.SubproblemID]*types.Subproblem),
		rng:              rand.New(rand.NewSource(int64(id) + 17)),
		clusterLoadRatio: 1,
		clusterSize:      clusterSize,
		logger:           plog.WithComponent("hub").With().Int32("hubID", id).Logger(),
	}
	return h
}

// ShouldWorkLocally reports whether this hub's process should also run a
// local worker; large clusters keep the hub a pure dispatcher.
func (h *Hub) ShouldWorkLocally() bool {
	return h.clusterSize <= h.opts.HubsDontWorkSize
}

// RegisterWorker adds a worker to this hub's cluster.
func (h *Hub) RegisterWorker(id int32, w *worker.Worker, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	h.workers[id] = &workerRecord{id: id, w: w, weight: weight}
	h.order = append(h.order, id)
}

// TokenPool exposes the pool for checkpoint serialization and metrics.
func (h *Hub) TokenPool() *pool.TokenPool { return h.pool }

// ID returns this hub's cluster id, used to label the load statistics it
// contributes to a load-balancing round.
func (h *Hub) ID() int32 { return h.id }

// ReceiveReleases implements worker.HubSink: insert tokens and update the
// worker's known count.
func (h *Hub) ReceiveReleases(workerID int32, tokens []types.Token) {
	rec := h.workers[workerID]
	for _, tok := range tokens {
		h.pool.Insert(tok)
		if rec != nil {
			rec.count++
		}
	}
}

// ReceiveRebalance implements worker.HubSink for upward rebalance batches:
// the tokens enter the pool like any release, and the per-worker batch
// tally advances so the next load broadcast re-opens the worker's fence.
func (h *Hub) ReceiveRebalance(workerID int32, tokens []types.Token) {
	h.ReceiveReleases(workerID, tokens)
	if rec := h.workers[workerID]; rec != nil {
		rec.rebalancesSeen++
	}
}

// ReceiveAcks implements worker.HubSink: clears in-flight records and
// refreshes the worker's best known bound.
func (h *Hub) ReceiveAcks(workerID int32, acks []worker.Ack) {
	rec := h.workers[workerID]
	if rec == nil {
		return
	}
	for _, ack := range acks {
		if rec.inFlight > 0 {
			rec.inFlight--
		}
		if !rec.boundKnown || h.sense.Improves(ack.Bound, rec.bound) {
			rec.bound = ack.Bound
			rec.boundKnown = true
		}
	}
}

// target is the per-worker token count the hub aims to maintain, derived
// from hubLoadFac and the pool's current size.
func (h *Hub) target() float64 {
	if len(h.workers) == 0 {
		return 0
	}
	return h.opts.HubLoadFac * float64(h.pool.Len()) / float64(len(h.workers))
}

// refreshWorkerCounts re-reads each co-resident worker's pool size. This
// stands in for the load reports workers would batch into their hub
// messages on a wire transport.
func (h *Hub) refreshWorkerCounts() {
	for _, id := range h.order {
		rec := h.workers[id]
		if rec.w != nil {
			rec.count = rec.w.Pool().Len()
		}
	}
}

// Dispatch pops the best token and sends its subproblem to a low-loaded
// worker, while some worker sits below lowLoadFac of the per-worker target
// and the pool is non-empty. Returns the number of tokens dispatched.
func (h *Hub) Dispatch() (int, error) {
	h.refreshWorkerCounts()
	target := h.target()
	low := h.opts.LowLoadFac * target
	dispatched := 0

	for dispatched < h.opts.MaxDispatchPacking {
		rec := h.pickDispatchTarget(low)
		if rec == nil {
			break
		}
		tok, ok := h.pool.RemoveBest()
		if !ok {
			break
		}
		sub := h.takeSubproblem(tok)
		if sub == nil {
			// The token crossed from a peer without its subproblem; build
			// a shell from the token itself and let the application unpack
			// the payload from the accompanying message.
			sub = &types.Subproblem{
				ID:    types.SubproblemID{Processor: tok.HomeProcessor, Counter: tok.Address},
				Bound: tok.Bound,
				State: types.StateBoundable,
			}
		}
		rec.count++
		rec.inFlight++
		if rec.w != nil {
			if err := rec.w.Deliver(sub, tok); err != nil {
				return dispatched, err
			}
		}
		pmetrics.TokensDispatched.Inc()
		dispatched++
	}
	return dispatched, nil
}

// takeSubproblem recovers the live subproblem a token stands for,
// releasing the token's reference: first from the imported table, then
// from the token's home worker, then from any other worker in the cluster
// (the subproblem may have migrated since the token was minted). Returns
// nil when no worker in this cluster holds it.
func (h *Hub) takeSubproblem(tok types.Token) *types.Subproblem {
	id := types.SubproblemID{Processor: tok.HomeProcessor, Counter: tok.Address}
	if sub, ok := h.imported[id]; ok {
		delete(h.imported, id)
		if sub.TokenCount > 0 {
			sub.TokenCount--
		}
		return sub
	}
	if home := h.workers[tok.HomeProcessor]; home != nil && home.w != nil {
		if sub, ok := home.w.TakeOwned(id); ok {
			if sub.TokenCount > 0 {
				sub.TokenCount--
			}
			return sub
		}
	}
	for _, wid := range h.order {
		if wid == tok.HomeProcessor {
			continue
		}
		rec := h.workers[wid]
		if rec.w == nil {
			continue
		}
		if sub, ok := rec.w.TakeOwned(id); ok {
			if sub.TokenCount > 0 {
				sub.TokenCount--
			}
			return sub
		}
	}
	return nil
}

// ExportBest removes the best token together with its resident subproblem,
// for an inter-cluster transfer. The subproblem is nil when no worker here
// holds it.
func (h *Hub) ExportBest() (types.Token, *types.Subproblem, bool) {
	tok, ok := h.pool.RemoveBest()
	if !ok {
		return types.Token{}, nil, false
	}
	return tok, h.takeSubproblem(tok), true
}

// Import accepts a token shipped from another cluster's hub, parking its
// subproblem in the imported table until the token is dispatched or
// pruned.
func (h *Hub) Import(tok types.Token, sub *types.Subproblem) {
	if sub != nil {
		sub.TokenCount++
		h.imported[sub.ID] = sub
	}
	h.pool.Insert(tok)
}

// ImportedSubproblems returns the parked inter-cluster subproblems in id
// order, for checkpoint serialization.
func (h *Hub) ImportedSubproblems() []*types.Subproblem {
	out := make([]*types.Subproblem, 0, len(h.imported))
	for _, sub := range h.imported {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		if a.Processor != b.Processor {
			return a.Processor < b.Processor
		}
		return a.Counter < b.Counter
	})
	return out
}

// pickDispatchTarget selects the worker to dispatch to next. Quality
// balancing prefers, among workers below low, the one whose best known
// bound is worst — spreading good work out across the cluster — treating
// an unknown bound as worst of all (a worker the hub has not heard from
// yet needs work most).
func (h *Hub) pickDispatchTarget(low float64) *workerRecord {
	var worst *workerRecord
	for _, id := range h.order {
		rec := h.workers[id]
		if float64(rec.count) >= low {
			continue
		}
		if worst == nil {
			worst = rec
			continue
		}
		if !worst.boundKnown {
			continue // worst is already an unheard-from worker; nothing beats that
		}
		if !rec.boundKnown || h.sense.Improves(worst.bound, rec.bound) {
			worst = rec
		}
	}
	return worst
}

// BroadcastLoadIfNeeded pushes current load fractions, the per-worker
// token target, and each worker's observed rebalance tally out to the
// cluster. Callers decide the trigger cadence; this always sends.
func (h *Hub) BroadcastLoadIfNeeded(incumbentKnown bool, incumbentValue float64) {
	h.refreshWorkerCounts()
	hubLoadFraction := h.opts.HubLoadFac
	adjusted := float64(len(h.workers))
	if adjusted == 0 {
		adjusted = 1
	}
	target := h.target()
	for _, id := range h.order {
		rec := h.workers[id]
		if rec.w != nil {
			rec.w.SetLoadFractions(hubLoadFraction, 1.0, adjusted)
			rec.w.SetRebalanceTarget(target)
			rec.w.SetClusterLoadRatio(h.clusterLoadRatio)
			rec.w.ObserveHubRebalanceRound(rec.rebalancesSeen)
		}
	}
	h.loadBalRound++
}

// ClusterLoad computes the current cluster-local load summary: queued
// tokens plus every co-resident worker's pooled subproblems.
func (h *Hub) ClusterLoad(incumbentKnown bool, incumbentValue float64) ClusterLoad {
	snap := h.pool.Snapshot()
	load := ClusterLoad{
		Count:          snap.Count,
		AggregateBound: snap.AggregateBound,
		IncumbentValue: incumbentValue,
		IncumbentKnown: incumbentKnown,
	}
	for _, id := range h.order {
		rec := h.workers[id]
		if rec.w == nil {
			continue
		}
		ws := rec.w.Snapshot()
		load.Count += ws.Count
		load.AggregateBound += ws.AggregateBound
	}
	return load
}

// PruneOnIncumbent implements incumbent.Listener: drops every dominated
// token and reclaims its resident subproblem from whichever worker holds
// it, so released work dies with its token.
func (h *Hub) PruneOnIncumbent(value float64) {
	h.pool.Prune(h.sense, value, func(tok types.Token) {
		h.takeSubproblem(tok)
	})
}

// SetClusterLoadRatio records this cluster's load relative to the global
// average; the load balancer calls it after each reduce round and the next
// load broadcast pushes it out to the workers.
func (h *Hub) SetClusterLoadRatio(ratio float64) {
	if ratio >= 0 {
		h.clusterLoadRatio = ratio
	}
}

// WorkerWeights returns the registered workers' scatter weights; the
// engine sums them to weight this cluster as a non-local scatter
// destination for other clusters' workers.
func (h *Hub) WorkerWeights() map[int32]float64 {
	out := make(map[int32]float64, len(h.workers))
	for id, rec := range h.workers {
		out[id] = rec.weight
	}
	return out
}

// AsWorker returns the hub's own LocalPool-backed worker when
// clusterSize <= hubsDontWorkSize, or nil if the hub does only hub work.
func (h *Hub) AsWorker() *worker.Worker { return h.asWorker }

// EnableLocalWork installs a worker for this hub's own process, used when
// the cluster is small enough that the hub also does bounding work.
func (h *Hub) EnableLocalWork(w *worker.Worker) { h.asWorker = w }
