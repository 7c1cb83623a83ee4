// Package engine wires one process's pseudo-threads together: a hub, its
// cluster of workers, the incumbent broadcaster, and the optional
// checkpoint/status auxiliaries, driven by a cooperative.Scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/snl-pebbl/pebbl/pkg/checkpoint"
	"github.com/snl-pebbl/pebbl/pkg/cooperative"
	"github.com/snl-pebbl/pebbl/pkg/handler"
	"github.com/snl-pebbl/pebbl/pkg/hub"
	"github.com/snl-pebbl/pebbl/pkg/incumbent"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
	"github.com/snl-pebbl/pebbl/pkg/types"
	"github.com/snl-pebbl/pebbl/pkg/worker"
)

// Process assembles one node of the engine: a Hub, the Workers in its
// cluster, the incumbent broadcaster they share, and the pseudo-threads
// the cooperative scheduler dispatches among. A single Process also stands
// in for a whole single-machine run by registering just one worker and
// letting hub-as-worker mode absorb it.
type Process struct {
	id   int32
	opts pconfig.Options
	app  types.Application
	h    *handler.Handler

	hb      *hub.Hub
	workers []*worker.Worker
	inc     *incumbent.Broadcaster
	ckpt    *checkpoint.Manager

	sched *cooperative.Scheduler

	rampedUp bool

	solution      types.Payload
	solutionKnown bool

	ckptSeq int

	logger zerolog.Logger
}

// NewProcess constructs a Process for id, with opts.ClusterSize workers
// sharing one hub. Workers start with token release disabled: the primary
// grows the tree alone until ramp-up completes and promote() fans the
// cluster out.
func NewProcess(id int32, opts pconfig.Options, app types.Application) *Process {
	sense := app.OptimizationSense()
	h := handler.New(app)
	hb := hub.New(id, opts, sense, opts.ClusterSize)
	inc := incumbent.New(sense, nil, nil)

	p := &Process{
		id:     id,
		opts:   opts,
		app:    app,
		h:      h,
		hb:     hb,
		inc:    inc,
		logger: plog.WithComponent("engine").With().Int32("processID", id).Logger(),
	}

	n := opts.ClusterSize
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		workerOpts := opts
		if n == 1 {
			// A single-worker cluster has nobody to scatter to; a release
			// would only round-trip through the hub and come straight
			// back.
			workerOpts.InitForceReleases = 0
			workerOpts.MinScatterProb = 0
			workerOpts.MaxScatterProb = 0
		}
		workerID := id*1000 + int32(i) + 1
		w := worker.New(workerID, workerOpts, h, hb)
		w.SetReleaseEnabled(false)
		hb.RegisterWorker(workerID, w, 1.0)
		p.wireWorker(w)
		p.workers = append(p.workers, w)
	}
	if hb.ShouldWorkLocally() {
		// A cluster this small doesn't warrant dedicating a whole process
		// to hub bookkeeping: the hub's own process does bounding work
		// too, played here by the first registered worker.
		hb.EnableLocalWork(p.workers[0])
	}
	inc.AddListener(hb)

	if opts.CheckpointMinutes > 0 {
		p.ckpt = checkpoint.New(opts.CheckpointDir, id, "")
	}

	p.sched = p.buildScheduler()
	return p
}

// wireWorker connects a worker's fathom-test source and candidate sink to
// this process's shared incumbent broadcaster.
func (p *Process) wireWorker(w *worker.Worker) {
	w.SetIncumbentSource(func() (float64, bool) {
		cur := p.inc.Current()
		return cur.Value, cur.Known()
	})
	w.SetCandidateSink(p.onCandidate)
	p.inc.AddListener(w)
}

// onCandidate hands a feasible leaf to the application for extraction,
// then offers it to the incumbent broadcaster.
func (p *Process) onCandidate(sub *types.Subproblem) {
	solution := p.h.ExtractSolution(sub)
	if p.inc.Discover(p.id, sub.Bound, solution) {
		p.solution = solution
		p.solutionKnown = true
		pmetrics.IncumbentImprovementsTotal.Inc()
		pmetrics.IncumbentValue.Set(sub.Bound)
		pmetrics.IncumbentSource.Set(float64(p.id))
		if p.opts.TrackIncumbent {
			p.logger.Info().
				Float64("incumbent", sub.Bound).
				Int32("source", p.id).
				Msg("incumbent improved")
		}
	}
}

// Seed installs the search tree's root on the first registered worker,
// which acts as the ramp-up owner.
func (p *Process) Seed() {
	root := p.app.RootSubproblem()
	root.ID = types.SubproblemID{Processor: p.workers[0].ID(), Counter: 0}
	p.workers[0].Seed(root)
}

// promote ends the ramp-up phase: the cluster's other workers join the
// scheduler and every worker may release tokens to the hub from now on.
func (p *Process) promote() {
	p.rampedUp = true
	for _, w := range p.workers {
		w.SetReleaseEnabled(true)
	}
}

// Restore installs a checkpointed snapshot in place of Seed, for both the
// plain-restart path (snap is this process's own last file) and the
// reconfigure path (snap is a share of the merged snapshot, redistributed
// here across however many workers this process was just constructed
// with). Must be called instead of Seed, before Run.
func (p *Process) Restore(snap checkpoint.Snapshot) {
	if snap.Incumbent.Known {
		p.inc.Seed(snap.Incumbent.Value, snap.Incumbent.Source, nil)
		p.solutionKnown = false
	}
	for i := range snap.Subproblems {
		sub := snap.Subproblems[i]
		if snap.Incumbent.Known && p.h.Sense().WorseOrEqual(sub.Bound, snap.Incumbent.Value) {
			continue
		}
		p.workers[i%len(p.workers)].Adopt(&sub)
	}
	for _, tok := range snap.Tokens {
		if snap.Incumbent.Known && p.h.Sense().WorseOrEqual(tok.Bound, snap.Incumbent.Value) {
			continue
		}
		p.hb.TokenPool().Insert(tok)
	}
	p.promote()
}

// Run drives the cooperative scheduler until the search terminates or ctx
// is cancelled, returning the first fatal error encountered.
func (p *Process) Run(ctx context.Context) error {
	for !p.Terminated() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := p.sched.Step(ctx); err != nil {
			var ee *types.EngineError
			if errors.As(err, &ee) && ee.Kind.Fatal() {
				return err
			}
		}
	}
	return nil
}

// Terminated reports whether this process has exhausted all work. Global,
// multi-cluster termination composes Terminated across processes at the
// Cluster layer; a lone Process is done when the hub's token pool is
// empty and every worker is idle.
func (p *Process) Terminated() bool {
	if p.opts.RampUpOnly {
		// Force quit after the ramp-up phase: the run ends as soon as the
		// creation/pool threshold is crossed (or the tree is exhausted
		// first), leaving whatever incumbent state exists — normally none,
		// since the tree has only been grown, not searched to its leaves.
		return p.rampUpComplete() || p.workers[0].IsIdle()
	}
	if p.hb.TokenPool().Len() > 0 {
		return false
	}
	if !p.rampedUp {
		// A tree small enough to exhaust before either ramp-up threshold
		// is crossed never reaches the other workers or the hub at all:
		// the primary going idle while still unramped is the whole search
		// finishing during its single-worker phase, not a stall.
		return p.workers[0].IsIdle()
	}
	for _, w := range p.workers {
		if !w.IsIdle() {
			return false
		}
	}
	return true
}

// Solution returns the best feasible solution found so far, the incumbent
// value, and whether any feasible solution has been found at all.
func (p *Process) Solution() (types.Payload, float64, bool) {
	cur := p.inc.Current()
	return p.solution, cur.Value, p.solutionKnown
}

// Snapshot implements pmetrics.Source, aggregating every worker's LocalPool
// and the hub's TokenPool into one point-in-time view.
func (p *Process) Snapshot() pmetrics.Snapshot {
	var count int
	var best float64
	haveBest := false
	for _, w := range p.workers {
		s := w.Snapshot()
		count += s.Count
		if s.HasAny && (!haveBest || p.h.Sense().Improves(s.BestBound, best)) {
			best = s.BestBound
			haveBest = true
		}
	}
	tp := p.hb.TokenPool().Snapshot()
	cur := p.inc.Current()
	return pmetrics.Snapshot{
		LocalPoolCount:     count,
		LocalPoolBestBound: best,
		TokenPoolCount:     tp.Count,
		IncumbentValue:     cur.Value,
		IncumbentSource:    cur.Source,
		HasIncumbent:       cur.Known(),
	}
}

// rampUpComplete reports whether the primary worker's pool or creation
// count has crossed the configured end-of-ramp-up threshold.
func (p *Process) rampUpComplete() bool {
	primary := p.workers[0]
	limit := p.opts.RampUpPoolLimit
	if scaled := int(p.opts.RampUpPoolLimitFac * float64(len(p.workers))); scaled > limit {
		limit = scaled
	}
	return primary.Pool().Len() >= limit || primary.ChildrenCreated() >= p.opts.MinRampUpSubprobsCreated
}

// checkRampUp promotes the process out of ramp-up once rampUpComplete.
// Under rampUpOnly there is nothing to promote to: the process force-quits
// at the same threshold instead (see Terminated).
func (p *Process) checkRampUp() {
	if p.rampedUp || p.opts.RampUpOnly {
		return
	}
	if p.opts.ForceParallel {
		p.promote()
		return
	}
	if p.rampUpComplete() {
		p.promote()
	}
}

// bestGlobalBound reports the best (sense-wise) bound among every worker's
// LocalPool, used by the incumbent thread's relativeGap bias.
func (p *Process) bestGlobalBound() (float64, bool) {
	sense := p.h.Sense()
	var best float64
	found := false
	for _, w := range p.workers {
		sub := w.Pool().Peek()
		if sub == nil {
			continue
		}
		if !found || sense.Improves(sub.Bound, best) {
			best, found = sub.Bound, true
		}
	}
	return best, found
}

// relativeGap computes the bound-to-incumbent gap the incumbent thread's
// bias formula uses, normalized by the incumbent's own magnitude so the
// formula is scale-invariant.
func (p *Process) relativeGap() float64 {
	if !p.inc.Current().Known() {
		return 0
	}
	best, ok := p.bestGlobalBound()
	if !ok {
		return 0
	}
	incVal := p.inc.Current().Value
	denom := math.Abs(incVal)
	if denom < 1 {
		denom = 1
	}
	return math.Abs(best-incVal) / denom
}

// buildSnapshot collects everything this process must persist: every
// worker's pooled and released subproblems, the hub's imported
// subproblems, and the incumbent. Tokens are not written: each circulating
// token's subproblem is serialized directly (with its reference count
// cleared), so a restore re-pools the work instead of reviving surrogates
// whose resident subproblem tables no longer exist.
func (p *Process) buildSnapshot() checkpoint.Snapshot {
	cur := p.inc.Current()
	snap := checkpoint.Snapshot{
		Incumbent: checkpoint.IncumbentRecord{Known: cur.Known(), Value: cur.Value, Source: cur.Source},
	}
	for _, w := range p.workers {
		ws := checkpoint.SnapshotFrom(w.Pool(), nil, checkpoint.IncumbentRecord{}, checkpoint.Counters{})
		snap.Subproblems = append(snap.Subproblems, ws.Subproblems...)
		for _, sub := range w.Released() {
			s := *sub
			s.TokenCount = 0
			snap.Subproblems = append(snap.Subproblems, s)
		}
	}
	for _, sub := range p.hb.ImportedSubproblems() {
		s := *sub
		s.TokenCount = 0
		snap.Subproblems = append(snap.Subproblems, s)
	}
	return snap
}

// writeCheckpoint serializes the process's combined state at sequence.
func (p *Process) writeCheckpoint(sequence int) error {
	if p.ckpt == nil {
		return nil
	}
	timer := pmetrics.NewTimer()
	snap := p.buildSnapshot()
	topology := fmt.Sprintf("%d workers, clusterSize=%d", len(p.workers), p.opts.ClusterSize)
	err := p.ckpt.Write(sequence, topology, snap)
	timer.ObserveDuration(pmetrics.CheckpointDuration)
	if err != nil {
		pmetrics.CheckpointsTotal.WithLabelValues("error").Inc()
		return types.NewError(types.ErrKindCheckpointIO, "engine: write checkpoint: %w", err)
	}
	pmetrics.CheckpointsTotal.WithLabelValues("ok").Inc()
	return p.ckpt.MarkComplete(sequence)
}

func (p *Process) logStatus() {
	snap := p.Snapshot()
	ev := p.logger.Info().
		Int("localPool", snap.LocalPoolCount).
		Int("tokenPool", snap.TokenPoolCount)
	if snap.HasIncumbent {
		ev = ev.Float64("incumbent", snap.IncumbentValue).Int32("incumbentSource", snap.IncumbentSource)
	}
	ev.Msg("status")
}

// buildScheduler assembles the cooperative scheduler's pseudo-threads:
// every worker (gated off during ramp-up except the primary), the hub, the
// incumbent heuristic, the repository placeholder, and the status/
// checkpoint auxiliaries.
func (p *Process) buildScheduler() *cooperative.Scheduler {
	var threads []cooperative.Schedulable
	for i, w := range p.workers {
		threads = append(threads, &gatedWorker{w: w, p: p, primary: i == 0})
	}
	threads = append(threads, &hubThread{hb: p.hb, p: p})
	threads = append(threads, &incumbentThread{p: p})
	threads = append(threads, &repositoryThread{bias: 0.1})

	if aux := p.newAuxiliaryThread(); aux != nil {
		threads = append(threads, aux)
	}
	if ckpt := p.newCheckpointThread(); ckpt != nil {
		threads = append(threads, ckpt)
	}

	return cooperative.New(p.opts.TimeSlice, threads...)
}

func (p *Process) newAuxiliaryThread() cooperative.Schedulable {
	interval := 0.0
	for _, v := range []float64{p.opts.WorkersPrintStatus, p.opts.HubsPrintStatus} {
		if v > 0 && (interval == 0 || v < interval) {
			interval = v
		}
	}
	if interval <= 0 {
		return nil
	}
	return &auxiliaryThread{p: p, interval: time.Duration(interval * float64(time.Second))}
}

func (p *Process) newCheckpointThread() cooperative.Schedulable {
	if p.ckpt == nil {
		return nil
	}
	return &checkpointThread{
		p:        p,
		interval: time.Duration(p.opts.CheckpointMinutes * float64(time.Minute)),
		minGap:   time.Duration(p.opts.CheckpointMinInterval * float64(time.Minute)),
	}
}

// gatedWorker wraps a Worker so non-primary workers stay off the scheduler
// until ramp-up completes: a single worker explores alone before the
// cluster fans out.
type gatedWorker struct {
	w       *worker.Worker
	p       *Process
	primary bool
}

func (g *gatedWorker) Name() string { return fmt.Sprintf("worker-%d", g.w.ID()) }

func (g *gatedWorker) Bias() float64 {
	if !g.primary && !g.p.rampedUp {
		return 0
	}
	return g.w.Bias()
}

func (g *gatedWorker) Execute(ctx context.Context, quantum float64) (float64, error) {
	consumed, err := g.w.Execute(ctx, quantum)
	if err != nil {
		return consumed, err
	}
	if g.primary && !g.p.rampedUp {
		g.p.checkRampUp()
	}
	return consumed, nil
}

// hubThread drives dispatch and load broadcast. Its bias estimates message
// backlog, with a small floor so it still runs occasionally with an empty
// TokenPool to broadcast fresh load fractions to idle workers.
type hubThread struct {
	hb *hub.Hub
	p  *Process
}

func (t *hubThread) Name() string { return "hub" }

func (t *hubThread) Bias() float64 {
	if !t.p.rampedUp {
		return 0
	}
	if n := t.hb.TokenPool().Len(); n > 0 {
		return float64(n)
	}
	return 0.1
}

func (t *hubThread) Execute(ctx context.Context, quantum float64) (float64, error) {
	if _, err := t.hb.Dispatch(); err != nil {
		return 0, err
	}
	cur := t.p.inc.Current()
	t.hb.BroadcastLoadIfNeeded(cur.Known(), cur.Value)
	return 0, nil
}

// incumbentThread computes the incumbent-heuristic bias from the relative
// gap. No separate improvement heuristic is run (the application contract
// has none), so Execute is a no-op; incThreadGapSlices bounds how often
// its bias is even allowed to win a dispatch (reset to 0 the slice after
// it runs) — without it, noIncumbentMinBias's default (5.0, above
// workerThreadBias's default of 1.0) would let this thread starve every
// worker forever.
type incumbentThread struct {
	p        *Process
	sinceRun int
}

func (t *incumbentThread) Name() string { return "incumbent" }

func (t *incumbentThread) Bias() float64 {
	opts := t.p.opts
	if !opts.UseIncumbentThread {
		return 0
	}
	t.sinceRun++
	gap := opts.IncThreadGapSlices
	if gap < 1 {
		gap = 1
	}
	if t.sinceRun < gap {
		return 0
	}
	if !t.p.inc.Current().Known() {
		return opts.NoIncumbentMinBias
	}
	gapValue := t.p.relativeGap()
	b := opts.IncThreadBiasFactor * math.Pow(gapValue, opts.IncThreadBiasPower)
	if b < opts.IncThreadMinBias {
		b = opts.IncThreadMinBias
	}
	if b > opts.IncThreadMaxBias {
		b = opts.IncThreadMaxBias
	}
	return b
}

func (t *incumbentThread) Execute(ctx context.Context, quantum float64) (float64, error) {
	t.sinceRun = 0
	return 0, nil
}

// repositoryThread stands in for the repository-service pseudo-thread.
// This engine tracks a single incumbent rather than an enumerated solution
// repository, so the thread never has merge work to do and keeps a fixed
// low bias (see DESIGN.md).
type repositoryThread struct {
	bias float64
}

func (t *repositoryThread) Name() string  { return "repository" }
func (t *repositoryThread) Bias() float64 { return t.bias }
func (t *repositoryThread) Execute(ctx context.Context, quantum float64) (float64, error) {
	return 0, nil
}

// auxiliaryThread prints periodic status lines (workersPrintStatus,
// hubsPrintStatus), driven by bias instead of a time.Ticker so it stays
// inside the cooperative scheduling discipline.
type auxiliaryThread struct {
	p        *Process
	interval time.Duration
	last     time.Time
}

func (t *auxiliaryThread) Name() string { return "auxiliary" }

func (t *auxiliaryThread) Bias() float64 {
	if t.interval <= 0 {
		return 0
	}
	if time.Since(t.last) >= t.interval {
		return 0.5
	}
	return 0
}

func (t *auxiliaryThread) Execute(ctx context.Context, quantum float64) (float64, error) {
	t.last = time.Now()
	t.p.logStatus()
	return 0, nil
}

// checkpointThread periodically serializes process state, gated by
// checkpointMinutes and checkpointMinInterval.
type checkpointThread struct {
	p        *Process
	interval time.Duration
	minGap   time.Duration
	last     time.Time
}

func (t *checkpointThread) Name() string { return "checkpoint" }

func (t *checkpointThread) Bias() float64 {
	if t.interval <= 0 {
		return 0
	}
	if time.Since(t.last) >= t.interval {
		return 1.0
	}
	return 0
}

func (t *checkpointThread) Execute(ctx context.Context, quantum float64) (float64, error) {
	if !t.last.IsZero() && time.Since(t.last) < t.minGap {
		return 0, nil
	}
	t.last = time.Now()
	t.p.ckptSeq++
	return 0, t.p.writeCheckpoint(t.p.ckptSeq)
}
