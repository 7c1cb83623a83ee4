// Package worker implements the worker half of a cluster: it chomps
// through its LocalPool, decides when to release subproblems to its hub as
// tokens, acknowledges dispatched subproblems, and rebalances upward when
// overloaded.
package worker

import (
	"context"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/snl-pebbl/pebbl/pkg/handler"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
	"github.com/snl-pebbl/pebbl/pkg/pool"
	"github.com/snl-pebbl/pebbl/pkg/types"
)

// Ack records that a dispatched subproblem has arrived at this worker, to
// be batched back to the hub in the next hub message.
type Ack struct {
	Address uint64
	Bound   float64
}

// HubSink is the hub-facing half of a Worker: the operations it invokes on
// its owning hub. Implemented directly by pkg/hub.Hub for in-process runs,
// or by a wire-transport adapter for a worker on its own process.
type HubSink interface {
	ReceiveReleases(workerID int32, tokens []types.Token)
	ReceiveRebalance(workerID int32, tokens []types.Token)
	ReceiveAcks(workerID int32, acks []Ack)
}

// ForeignHubSink is the slice of another cluster's hub a worker can
// scatter a release to directly: the subproblem travels with its token,
// the same shape as an inter-cluster load-balancing transfer. Implemented
// by pkg/hub.Hub's Import.
type ForeignHubSink interface {
	Import(tok types.Token, sub *types.Subproblem)
}

// ForeignHub pairs a reachable foreign hub with its cluster's total worker
// weight, so a scattering worker chooses among clusters proportional to
// cluster worker weights.
type ForeignHub struct {
	Sink   ForeignHubSink
	Weight float64
}

// Worker owns one process's LocalPool and the single subproblem currently
// being bounded or split. Subproblems it has released to the hub move out
// of the pool into a side table: releasing hands scheduling authority to
// the hub, so a released subproblem is never explored locally while its
// token circulates.
type Worker struct {
	id   int32
	opts pconfig.Options
	h    *handler.Handler
	pool *pool.LocalPool
	hub  HubSink
	rng  *rand.Rand

	current *types.Subproblem

	// nextID is the counter half of the ids this worker stamps onto the
	// children it creates. Adopt bumps it past any adopted id with the
	// same processor so a restored pool can never collide with fresh work.
	nextID uint64

	// released holds subproblems whose authority has been handed to the
	// hub via a token. They stay resident here (the token is only a
	// surrogate) until the hub dispatches or prunes the token.
	released map[types.SubproblemID]*types.Subproblem

	// releaseEnabled is false while this worker's process is still ramping
	// up: the tree is grown locally first and tokens only start flowing
	// once the cluster fans out.
	releaseEnabled bool

	spReleaseCount       int
	spAckCount           int
	rebalanceCount       int
	myHubsRebalanceCount int

	// childrenCreated counts every child this worker has produced via
	// makeChild, the concrete counter behind the minRampUpSubprobsCreated
	// option.
	childrenCreated int

	pendingAcks      []Ack
	pendingReleases  []types.Token
	pendingRebalance []types.Token

	// localWorkerTimeFraction and hubLoadFraction are updated by the owning
	// hub via SetLoadFractions whenever it broadcasts cluster load, feeding
	// the release-probability formula below.
	localWorkerTimeFraction float64
	hubLoadFraction         float64
	adjustedWorkerCount     float64

	// rebalanceTarget is the hub's last-broadcast per-worker token target,
	// used by MaybeRebalance to decide whether this worker is overloaded.
	// haveTarget stays false until the first broadcast arrives, so a
	// worker never rebalances against a target it has not been given.
	rebalanceTarget float64
	haveTarget      bool

	// foreign lists the other clusters' hubs this worker may scatter a
	// release to, and clusterLoadRatio is this cluster's load relative to
	// the global average as last broadcast by the owning hub; together
	// they drive the non-local scatter trial in release.
	foreign          []ForeignHub
	clusterLoadRatio float64

	// incumbentSource reports the current incumbent value, if any, for the
	// fathom test run before each bound call.
	incumbentSource func() (float64, bool)

	// candidateSink is notified when a fully bounded leaf passes the
	// application's candidateSolution test. Wired to
	// incumbent.Broadcaster.Discover by pkg/engine.
	candidateSink func(sub *types.Subproblem)

	logger zerolog.Logger
}

// New constructs a Worker with id (its SubproblemID.Processor value),
// bound to hub for release/ack delivery.
func New(id int32, opts pconfig.Options, h *handler.Handler, hub HubSink) *Worker {
	return &Worker{
		id:                      id,
		opts:                    opts,
		h:                       h,
		pool:                    pool.NewLocalPool(h.Sense()),
		hub:                     hub,
		rng:                     rand.New(rand.NewSource(int64(id) + 1)),
		nextID:                  1,
		released:                make(map[types.SubproblemID]*types.Subproblem),
		releaseEnabled:          true,
		clusterLoadRatio:        1,
		adjustedWorkerCount:     1,
		localWorkerTimeFraction: 1,
		logger:                  plog.WithComponent("worker").With().Int32("workerID", id).Logger(),
	}
}

// Seed installs the tree's root subproblem, used to bootstrap a single-
// process or ramp-up run.
func (w *Worker) Seed(sub *types.Subproblem) {
	sub.State = types.StateBoundable
	w.Adopt(sub)
}

// Adopt inserts a subproblem this worker did not create itself — a seeded
// root or a checkpoint-restored entry — bumping the id counter past it
// when it shares this worker's processor id, so freshly stamped children
// can never collide with it.
func (w *Worker) Adopt(sub *types.Subproblem) {
	if sub.ID.Processor == w.id && sub.ID.Counter >= w.nextID {
		w.nextID = sub.ID.Counter + 1
	}
	if sub.State != types.StateBoundable && sub.State != types.StateBounded {
		sub.State = types.StateBoundable
	}
	w.pool.Insert(sub)
}

// Pool exposes the LocalPool for checkpoint serialization and metrics.
func (w *Worker) Pool() *pool.LocalPool { return w.pool }

// IsIdle reports whether this worker has no current subproblem and an
// empty LocalPool. Released subproblems do not count: their tokens sit at
// the hub, and the hub's own pool gates termination for them.
func (w *Worker) IsIdle() bool {
	return w.current == nil && w.pool.Len() == 0
}

// TakeOwned removes and returns the subproblem id if held here — being
// bounded, released to the hub, or sitting in the LocalPool — for a hub
// materializing a token it is about to dispatch or prune.
func (w *Worker) TakeOwned(id types.SubproblemID) (*types.Subproblem, bool) {
	if w.current != nil && w.current.ID == id {
		sub := w.current
		w.current = nil
		return sub, true
	}
	if sub, ok := w.released[id]; ok {
		delete(w.released, id)
		return sub, true
	}
	return w.pool.Remove(id)
}

// Released returns the subproblems whose tokens are currently circulating,
// in id order, for checkpoint serialization.
func (w *Worker) Released() []*types.Subproblem {
	out := make([]*types.Subproblem, 0, len(w.released))
	for _, sub := range w.released {
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

// SetLoadFractions is called by the owning hub after a load broadcast, so
// the worker's release-probability formula reflects current cluster
// occupancy.
func (w *Worker) SetLoadFractions(hubLoadFraction, localWorkerTimeFraction, adjustedWorkerCount float64) {
	w.hubLoadFraction = hubLoadFraction
	w.localWorkerTimeFraction = localWorkerTimeFraction
	if adjustedWorkerCount > 0 {
		w.adjustedWorkerCount = adjustedWorkerCount
	}
}

// SetRebalanceTarget records the hub's latest per-worker token target, used
// by MaybeRebalance on the next flush.
func (w *Worker) SetRebalanceTarget(target float64) {
	w.rebalanceTarget = target
	w.haveTarget = true
}

// SetReleaseEnabled gates token release. pkg/engine disables it during
// ramp-up and re-enables it when the process fans out.
func (w *Worker) SetReleaseEnabled(enabled bool) {
	w.releaseEnabled = enabled
}

// SetForeignHubs installs the other clusters' hubs this worker may scatter
// releases to; pkg/engine's Cluster wires every worker to its sibling
// processes' hubs, weighted by their clusters' worker weights.
func (w *Worker) SetForeignHubs(foreign []ForeignHub) {
	w.foreign = foreign
}

// SetClusterLoadRatio records this cluster's load relative to the global
// average, from the hub's last load broadcast.
func (w *Worker) SetClusterLoadRatio(ratio float64) {
	if ratio >= 0 {
		w.clusterLoadRatio = ratio
	}
}

// SetIncumbentSource wires the fathom test used before each bound call.
func (w *Worker) SetIncumbentSource(f func() (float64, bool)) {
	w.incumbentSource = f
}

// SetCandidateSink wires the callback invoked whenever a bounded leaf is a
// feasible incumbent candidate.
func (w *Worker) SetCandidateSink(f func(sub *types.Subproblem)) {
	w.candidateSink = f
}

// Name identifies this pseudo-thread to the cooperative scheduler.
func (w *Worker) Name() string { return "worker" }

// Bias is constant for worker threads.
func (w *Worker) Bias() float64 { return w.opts.WorkerThreadBias }

// Execute runs the main worker loop for up to quantum seconds, consuming
// the control parameter as bound calls do work. maxWorkerControl caps the
// quantum a single dispatch may hand to this thread.
func (w *Worker) Execute(ctx context.Context, quantum float64) (float64, error) {
	if limit := w.opts.MaxWorkerControl; limit > 0 && quantum > limit {
		quantum = limit
	}
	cp := &types.ControlParam{Remaining: quantum}
	consumed := 0.0

	for !cp.Exhausted() {
		if w.current == nil {
			w.current = w.pool.SelectBest()
			if w.current == nil {
				break
			}
		}

		before := cp.Remaining
		if err := w.step(cp); err != nil {
			return quantum - cp.Remaining, err
		}
		consumed += before - cp.Remaining
	}

	w.flushToHub()
	return consumed, nil
}

// step advances w.current by one handler call: fathom test, bound, or
// split-and-emit.
func (w *Worker) step(cp *types.ControlParam) error {
	sub := w.current

	switch sub.State {
	case types.StateBoundable, types.StateBeingBounded:
		if w.incumbentSource != nil {
			if v, ok := w.incumbentSource(); ok && w.h.FathomTest(sub, v) {
				pmetrics.SubproblemsFathomed.Inc()
				sub.State = types.StateDead
				w.current = nil
				return nil
			}
		}
		pmetrics.SubproblemsExplored.Inc()
		if err := w.h.Bound(sub, cp); err != nil {
			return err
		}
		if sub.State == types.StateDead {
			pmetrics.SubproblemsFathomed.Inc()
			w.current = nil
			return nil
		}
		if sub.State == types.StateBeingBounded {
			// forceStayCurrent: re-invoked next slice with the same sub.
			return nil
		}
		// sub.State == bounded: fall through to split on the next step.
		return nil

	case types.StateBounded:
		// A fully bounded leaf is tested for feasibility before any attempt
		// to separate it further: a leaf has no children to produce, so
		// Split would reject it with a protocol-violation error.
		if w.h.CandidateSolution(sub) {
			if w.candidateSink != nil {
				w.candidateSink(sub)
			}
			sub.State = types.StateDead
			w.current = nil
			return nil
		}
		if err := w.h.Split(sub); err != nil {
			return err
		}
		return nil

	case types.StateSeparated:
		if sub.ChildrenLeft == 0 {
			w.current = nil
			return nil
		}
		child, err := w.h.MakeChild(sub, types.AnyChild)
		if err != nil {
			return err
		}
		child.ID = types.SubproblemID{Processor: w.id, Counter: w.nextID}
		w.nextID++
		w.childrenCreated++
		w.dispose(child)
		if sub.ChildrenLeft == 0 {
			w.current = nil
		}
		return nil

	default:
		w.current = nil
		return nil
	}
}

// dispose decides whether to keep a freshly emitted child in LocalPool or
// release it to the hub.
func (w *Worker) dispose(child *types.Subproblem) {
	if w.shouldRelease() {
		w.release(child)
		return
	}
	child.State = types.StateBoundable
	w.pool.Insert(child)
}

// shouldRelease implements the release decision: forced startup releases
// first, then a Bernoulli trial against the scatter probability.
func (w *Worker) shouldRelease() bool {
	if !w.releaseEnabled {
		return false
	}
	if w.spReleaseCount < w.opts.InitForceReleases {
		return true
	}
	return w.rng.Float64() < w.scatterProbability()
}

// scatterProbability computes the Bernoulli trial probability:
// targetFraction = (1 - hubLoadFraction) * localWorkerTimeFraction /
// adjustedWorkerCount, scaled by scatterFac and clamped into
// [minScatterProb, maxScatterProb].
func (w *Worker) scatterProbability() float64 {
	target := (1 - w.hubLoadFraction) * w.localWorkerTimeFraction / w.adjustedWorkerCount
	p := w.opts.ScatterFac * target
	if p < w.opts.MinScatterProb {
		p = w.opts.MinScatterProb
	}
	if p > w.opts.MaxScatterProb {
		p = w.opts.MaxScatterProb
	}
	return p
}

// release hands a child's authority away as a self token. Most releases go
// to the worker's own hub: the child stays resident here until the token
// is dispatched or pruned, and only the token travels. A non-local scatter
// trial can instead send the release to another cluster's hub, in which
// case the subproblem travels with the token.
func (w *Worker) release(child *types.Subproblem) {
	tok := types.Token{
		HomeProcessor: child.ID.Processor,
		Address:       child.ID.Counter,
		Bound:         child.Bound,
		Kind:          types.KindSelf,
		Multiplicity:  1,
	}
	w.spReleaseCount++
	pmetrics.TokensReleased.Inc()
	if sink := w.pickForeignHub(); sink != nil {
		sink.Import(tok, child) // Import takes the token's reference
		return
	}
	child.TokenCount++
	w.released[child.ID] = child
	w.pendingReleases = append(w.pendingReleases, tok)
}

// pickForeignHub runs the non-local scatter trial and, on success, picks a
// foreign hub proportional to cluster worker weights. Returns nil to keep
// the release on this worker's own hub.
func (w *Worker) pickForeignHub() ForeignHubSink {
	if len(w.foreign) == 0 {
		return nil
	}
	if w.rng.Float64() >= w.nonLocalScatterProbability() {
		return nil
	}
	total := 0.0
	for _, f := range w.foreign {
		total += f.Weight
	}
	if total <= 0 {
		return nil
	}
	r := w.rng.Float64() * total
	for _, f := range w.foreign {
		r -= f.Weight
		if r <= 0 {
			return f.Sink
		}
	}
	return w.foreign[len(w.foreign)-1].Sink
}

// nonLocalScatterProbability shapes the scatter trial by the cluster's
// load ratio: an underloaded cluster keeps its work, an overloaded one
// pushes proportionally more of it out, clamped into
// [minNonLocalScatterProb, maxNonLocalScatterProb].
func (w *Worker) nonLocalScatterProbability() float64 {
	if w.clusterLoadRatio <= w.opts.ClusterLowLoadRatio {
		return w.opts.MinNonLocalScatterProb
	}
	p := w.opts.TargetNonLocalScatterProb * w.clusterLoadRatio
	if w.clusterLoadRatio >= w.opts.ClusterHighLoadRatio {
		p = w.opts.MaxNonLocalScatterProb
	}
	if p < w.opts.MinNonLocalScatterProb {
		p = w.opts.MinNonLocalScatterProb
	}
	if p > w.opts.MaxNonLocalScatterProb {
		p = w.opts.MaxNonLocalScatterProb
	}
	return p
}

// flushToHub sends any buffered releases, rebalance batches and acks to
// the hub, respecting maxTokensInHubMsg.
func (w *Worker) flushToHub() {
	if w.hub == nil {
		return
	}
	if rebalanced := w.MaybeRebalance(w.rebalanceTarget); len(rebalanced) > 0 {
		w.pendingRebalance = append(w.pendingRebalance, rebalanced...)
	}
	for len(w.pendingReleases) > 0 {
		n := len(w.pendingReleases)
		if n > w.opts.MaxTokensInHubMsg {
			n = w.opts.MaxTokensInHubMsg
		}
		w.hub.ReceiveReleases(w.id, w.pendingReleases[:n])
		w.pendingReleases = w.pendingReleases[n:]
	}
	for len(w.pendingRebalance) > 0 {
		n := len(w.pendingRebalance)
		if n > w.opts.MaxTokensInHubMsg {
			n = w.opts.MaxTokensInHubMsg
		}
		w.hub.ReceiveRebalance(w.id, w.pendingRebalance[:n])
		w.pendingRebalance = w.pendingRebalance[n:]
	}
	if len(w.pendingAcks) > 0 {
		w.hub.ReceiveAcks(w.id, w.pendingAcks)
		w.pendingAcks = nil
	}
}

// Deliver is called when the hub dispatches a token's subproblem to this
// worker. The worker verifies the token matches the subproblem it came
// with, records an ack, and inserts it.
func (w *Worker) Deliver(sub *types.Subproblem, tok types.Token) error {
	if tok.HomeProcessor != sub.ID.Processor || tok.Address != sub.ID.Counter {
		if w.opts.CheckTokensMatch {
			return types.NewError(types.ErrKindTokenMismatch,
				"delivered token %d.%d does not match subproblem %s",
				tok.HomeProcessor, tok.Address, sub.ID)
		}
		w.logger.Warn().
			Int32("tokenProcessor", tok.HomeProcessor).
			Uint64("tokenAddress", tok.Address).
			Str("subproblemID", sub.ID.String()).
			Msg("token/subproblem mismatch honoured")
	}
	w.Adopt(sub)
	w.spAckCount++
	w.pendingAcks = append(w.pendingAcks, Ack{Address: sub.ID.Counter, Bound: sub.Bound})
	return nil
}

// MaybeRebalance returns the excess tokens to give back to the hub when
// local load exceeds the hub's broadcast target. The counter fence only
// permits a new batch once the hub has observed the previous one; both
// counters at zero passes trivially, so the very first rebalance is
// allowed.
func (w *Worker) MaybeRebalance(target float64) []types.Token {
	if !w.opts.Rebalancing || !w.releaseEnabled || !w.haveTarget {
		return nil
	}
	if w.rebalanceCount != w.myHubsRebalanceCount {
		return nil
	}
	threshold := target * w.opts.RebalLoadFac
	if alt := target + float64(w.opts.RebalLoadDiff); alt > threshold {
		threshold = alt
	}
	count := float64(w.pool.Len())
	if count <= threshold {
		return nil
	}

	excess := int(count - target)
	if excess <= 0 {
		return nil
	}
	keep := w.opts.WorkerKeepCount
	var tokens []types.Token
	for excess > 0 && w.pool.Len() > keep {
		sub := w.pool.SelectBest()
		if sub == nil {
			break
		}
		tok := types.Token{
			HomeProcessor: sub.ID.Processor,
			Address:       sub.ID.Counter,
			Bound:         sub.Bound,
			Kind:          types.KindSelf,
			Multiplicity:  1,
		}
		sub.TokenCount++
		w.released[sub.ID] = sub
		pmetrics.TokensReleased.Inc()
		tokens = append(tokens, tok)
		excess--
	}
	if len(tokens) == 0 {
		return nil
	}
	w.rebalanceCount++
	pmetrics.RebalancesTotal.Inc()
	return tokens
}

// ObserveHubRebalanceRound records how many of this worker's rebalance
// batches the hub has processed, satisfying the counter fence above.
func (w *Worker) ObserveHubRebalanceRound(hubRound int) {
	w.myHubsRebalanceCount = hubRound
}

// PruneOnIncumbent implements incumbent.Listener: discards every pooled
// subproblem dominated by the new incumbent. Released subproblems are
// pruned through their tokens by the hub, which takes them back from here
// as it drops each dominated token.
func (w *Worker) PruneOnIncumbent(value float64) {
	w.pool.Prune(w.h.Sense(), value, nil)
}

// Snapshot reports the worker's LocalPool load for metrics/status.
func (w *Worker) Snapshot() pool.Snapshot { return w.pool.Snapshot() }

// ChildrenCreated reports the total number of children this worker has
// produced via makeChild, for the ramp-up gate.
func (w *Worker) ChildrenCreated() int { return w.childrenCreated }

// ID returns this worker's process id.
func (w *Worker) ID() int32 { return w.id }
