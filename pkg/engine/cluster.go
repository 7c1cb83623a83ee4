// Cluster assembles opts.NumClusters Processes in a single binary and
// drives them together, adding the global load-balancing layer on top of
// each Process's own cooperative scheduler: where a Process wires a hub to
// its workers, a Cluster wires a loadbal.Balancer to a set of hubs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snl-pebbl/pebbl/pkg/checkpoint"
	"github.com/snl-pebbl/pebbl/pkg/loadbal"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
	"github.com/snl-pebbl/pebbl/pkg/types"
	"github.com/snl-pebbl/pebbl/pkg/worker"
)

// Cluster drives opts.NumClusters Processes, each a sibling leaf of the
// load balancer's single flat level. Only one Process seeds the root
// subproblem; the rest start empty and receive work exclusively through
// periodic reduce/redistribute rounds, the inter-cluster analogue of how a
// single worker ramps up before fanning out within one cluster.
type Cluster struct {
	opts      pconfig.Options
	processes []*Process
	bal       *loadbal.Balancer

	lastBalance time.Time
	lastGlobal  loadbal.GlobalLoad
	haveGlobal  bool

	logger zerolog.Logger
}

// NewCluster constructs opts.NumClusters Processes sharing app, each its
// own hub and worker set. Only the first process ramps up; the others are
// promoted immediately, since their work arrives already fanned out.
func NewCluster(opts pconfig.Options, app types.Application) *Cluster {
	n := opts.NumClusters
	if n < 1 {
		n = 1
	}
	c := &Cluster{
		opts:   opts,
		bal:    loadbal.New(opts),
		logger: plog.WithComponent("cluster"),
	}
	for i := 0; i < n; i++ {
		p := NewProcess(int32(i+1), opts, app)
		if i > 0 {
			p.promote()
		}
		c.processes = append(c.processes, p)
	}
	c.wireIncumbents()
	c.wireScatter()
	return c
}

// wireIncumbents forwards every process's incumbent improvements to its
// siblings, so a discovery on one cluster prunes the others. A forwarded
// value that does not improve the receiver's incumbent is dropped there,
// which also stops the echo back to the origin.
func (c *Cluster) wireIncumbents() {
	for i, p := range c.processes {
		src := p
		for j, q := range c.processes {
			if i == j {
				continue
			}
			dst := q
			src.inc.AddForward(func(value float64, source int32, payload types.Payload) {
				dst.inc.Receive(value, source, payload)
			})
		}
	}
}

// wireScatter hands every worker the other clusters' hubs, each weighted
// by the sum of its cluster's worker weights, enabling the non-local
// release path: a worker's scatter trial can then ship a release straight
// to a sibling cluster instead of its own hub.
func (c *Cluster) wireScatter() {
	if len(c.processes) < 2 {
		return
	}
	for i, p := range c.processes {
		var foreign []worker.ForeignHub
		for j, q := range c.processes {
			if i == j {
				continue
			}
			weight := 0.0
			for _, v := range q.hb.WorkerWeights() {
				weight += v
			}
			foreign = append(foreign, worker.ForeignHub{Sink: q.hb, Weight: weight})
		}
		for _, w := range p.workers {
			w.SetForeignHubs(foreign)
		}
	}
}

// Seed plants the root subproblem on the first cluster only.
func (c *Cluster) Seed() {
	c.processes[0].Seed()
}

// Restore partitions a merged checkpoint snapshot round-robin across the
// cluster's processes and installs each process's share via
// Process.Restore, so a reconfigure restart can change NumClusters from
// what the checkpointed run used.
func (c *Cluster) Restore(snap checkpoint.Snapshot) {
	n := len(c.processes)
	shares := make([]checkpoint.Snapshot, n)
	for i := range shares {
		shares[i].Incumbent = snap.Incumbent
	}
	for i, sub := range snap.Subproblems {
		shares[i%n].Subproblems = append(shares[i%n].Subproblems, sub)
	}
	for i, tok := range snap.Tokens {
		shares[i%n].Tokens = append(shares[i%n].Tokens, tok)
	}
	for i, p := range c.processes {
		p.Restore(shares[i])
	}
}

// RestorePlain restores each process from its own last checkpoint file
// under dir — a plain restart never redistributes across processes. A
// negative sequence resumes each process from its own latest file rather
// than a caller-chosen round.
func (c *Cluster) RestorePlain(dir string, sequence int) error {
	for _, p := range c.processes {
		seq := sequence
		if seq < 0 {
			found, ok := checkpoint.LatestSequence(dir, p.id)
			if !ok {
				continue
			}
			seq = found
		}
		mgr := checkpoint.New(dir, p.id, "")
		_, snap, err := mgr.Read(seq)
		if err != nil {
			return err
		}
		p.Restore(snap)
	}
	return nil
}

// RestoreReconfigured reads every process's checkpoint file for sequence
// under dir, merges them, and redistributes the result across this
// cluster's current topology, which may have a different process count
// than the run that wrote the files. A negative sequence resumes from the
// highest round any process reached.
func (c *Cluster) RestoreReconfigured(dir string, sequence int) error {
	if sequence < 0 {
		found, ok := checkpoint.LatestAllSequence(dir)
		if !ok {
			return fmt.Errorf("engine: no checkpoint files found under %s", dir)
		}
		sequence = found
	}
	_, snaps, err := checkpoint.ReadAll(dir, sequence)
	if err != nil {
		return err
	}
	merged := checkpoint.Merge(c.processes[0].h.Sense(), snaps)
	c.Restore(merged)
	return nil
}

// Run steps every process's scheduler in round-robin turns and interleaves
// periodic load-balancing rounds, until Terminated() or ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	for !c.Terminated() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, p := range c.processes {
			if p.Terminated() {
				continue
			}
			if _, err := p.sched.Step(ctx); err != nil {
				var ee *types.EngineError
				if errors.As(err, &ee) && ee.Kind.Fatal() {
					return err
				}
			}
		}
		c.maybeBalance()
	}
	return nil
}

// maybeBalance runs one reduce/redistribute round once the balancing
// interval has elapsed; the interval stretches while termination is
// suspected but incumbent sources still disagree.
func (c *Cluster) maybeBalance() {
	interval := c.opts.LoadBalSeconds
	if c.haveGlobal {
		interval = c.bal.IntervalSeconds(c.lastGlobal)
	}
	if time.Since(c.lastBalance) < time.Duration(interval*float64(time.Second)) {
		return
	}
	c.balanceOnce()
	c.lastBalance = time.Now()
}

// balanceOnce gathers every hub's ClusterStat, reduces them, computes
// donor/receiver transfers, and physically ships tokens — each with its
// resident subproblem — from donor hubs to receiver hubs.
func (c *Cluster) balanceOnce() {
	stats := make([]loadbal.ClusterStat, len(c.processes))
	byHub := make(map[int32]*Process, len(c.processes))
	for i, p := range c.processes {
		cur := p.inc.Current()
		load := p.hb.ClusterLoad(cur.Known(), cur.Value)
		stats[i] = loadbal.ClusterStat{
			HubID:          p.hb.ID(),
			Count:          load.Count,
			AggregateBound: load.AggregateBound,
			IncumbentValue: load.IncumbentValue,
			IncumbentKnown: load.IncumbentKnown,
		}
		byHub[p.hb.ID()] = p
	}

	c.lastGlobal = c.bal.Reduce(stats)
	c.haveGlobal = true

	if avg := float64(c.lastGlobal.Count) / float64(len(stats)); avg > 0 {
		for i, p := range c.processes {
			p.hb.SetClusterLoadRatio(float64(stats[i].Count) / avg)
		}
	}

	for _, t := range c.bal.Redistribute(stats) {
		donor, receiver := byHub[t.FromHub], byHub[t.ToHub]
		if donor == nil || receiver == nil {
			continue
		}
		for i := 0; i < t.Count; i++ {
			tok, sub, ok := donor.hb.ExportBest()
			if !ok {
				break
			}
			receiver.hb.Import(tok, sub)
		}
	}
}

// Terminated reports whether every process has exhausted local work and
// the last load-balancing round found zero global count with agreeing (or
// absent) incumbent sources — the multi-cluster composition of the
// termination condition a lone Process.Terminated cannot see on its own.
func (c *Cluster) Terminated() bool {
	for _, p := range c.processes {
		if !p.Terminated() {
			return false
		}
	}
	if len(c.processes) == 1 {
		return true
	}
	return c.haveGlobal && c.bal.TerminationDetected(c.lastGlobal)
}

// Solution returns the best feasible solution known across every process.
func (c *Cluster) Solution() (types.Payload, float64, bool) {
	best := c.processes[0]
	solution, value, known := best.Solution()
	for _, p := range c.processes[1:] {
		s, v, k := p.Solution()
		if !k {
			continue
		}
		if !known || best.h.Sense().Improves(v, value) {
			solution, value, known = s, v, true
			best = p
		}
	}
	return solution, value, known
}

// Snapshot implements pmetrics.Source by summing every process's pools and
// reporting whichever process holds the cluster-wide best incumbent.
func (c *Cluster) Snapshot() pmetrics.Snapshot {
	var out pmetrics.Snapshot
	haveBound := false
	for _, p := range c.processes {
		s := p.Snapshot()
		out.LocalPoolCount += s.LocalPoolCount
		out.TokenPoolCount += s.TokenPoolCount
		if !haveBound || p.h.Sense().Improves(s.LocalPoolBestBound, out.LocalPoolBestBound) {
			out.LocalPoolBestBound = s.LocalPoolBestBound
			haveBound = true
		}
		if s.HasIncumbent && (!out.HasIncumbent || p.h.Sense().Improves(s.IncumbentValue, out.IncumbentValue)) {
			out.IncumbentValue = s.IncumbentValue
			out.IncumbentSource = s.IncumbentSource
			out.HasIncumbent = true
		}
	}
	return out
}
