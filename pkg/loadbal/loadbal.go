// Package loadbal is the global load balancer: one flat level over every
// cluster's hub that periodically reduces per-cluster load statistics, redistributes tokens
// between clusters, and detects global termination. There is no consensus
// layer — recovery from process death is out of scope, so periodic
// reduce/broadcast suffices and no replicated log is kept.
package loadbal

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
)

// ClusterStat is one hub's contribution to a load-balancing round.
type ClusterStat struct {
	HubID          int32
	Count          int
	AggregateBound float64
	IncumbentValue float64
	IncumbentKnown bool
}

// GlobalLoad is the reduced summary at the tree root, broadcast back down.
type GlobalLoad struct {
	Count            int
	AggregateBound   float64
	IncumbentSources map[float64][]int32 // value -> hub ids reporting it, for agreement checks
	Round            int
}

// Transfer instructs a donor hub to ship count tokens to a receiver hub.
type Transfer struct {
	FromHub int32
	ToHub   int32
	Count   int
}

// Balancer runs the reduce/broadcast/redistribute cycle over a flat set of
// hubs that form a single sibling group. loadBalTreeRadix is not
// consulted: no deeper tree levels are built, and every hub's statistics
// are reduced and redistributed together in one pass (see DESIGN.md).
type Balancer struct {
	opts   pconfig.Options
	round  int
	logger zerolog.Logger
}

func New(opts pconfig.Options) *Balancer {
	return &Balancer{opts: opts, logger: plog.WithComponent("loadbal")}
}

// Round returns the current load-balancing round number.
func (b *Balancer) Round() int { return b.round }

// Reduce sums cluster stats into a GlobalLoad and advances the round
// counter (reduce up, broadcast down — the broadcast here is simply
// returning the computed value to every caller).
func (b *Balancer) Reduce(stats []ClusterStat) GlobalLoad {
	b.round++
	pmetrics.LoadBalRoundsTotal.Inc()
	g := GlobalLoad{Round: b.round, IncumbentSources: make(map[float64][]int32)}
	for _, s := range stats {
		g.Count += s.Count
		g.AggregateBound += s.AggregateBound
		if s.IncumbentKnown {
			g.IncumbentSources[s.IncumbentValue] = append(g.IncumbentSources[s.IncumbentValue], s.HubID)
		}
	}
	return g
}

// Redistribute computes pairwise donor/receiver transfers within the given
// sibling group: a cluster is a donor if
// count > loadBalDonorFac * avg and count >= loadBalMinSourceCount; a
// receiver if count < loadBalReceiverFac * avg. Donors ship at most
// maxLoadBalSize tokens to receivers, best-first (highest count first).
func (b *Balancer) Redistribute(stats []ClusterStat) []Transfer {
	if len(stats) == 0 {
		return nil
	}
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	avg := float64(total) / float64(len(stats))

	var donors, receivers []ClusterStat
	for _, s := range stats {
		if float64(s.Count) > b.opts.LoadBalDonorFac*avg && s.Count >= b.opts.LoadBalMinSourceCount {
			donors = append(donors, s)
		} else if float64(s.Count) < b.opts.LoadBalReceiverFac*avg {
			receivers = append(receivers, s)
		}
	}
	sort.Slice(donors, func(i, j int) bool { return donors[i].Count > donors[j].Count })
	sort.Slice(receivers, func(i, j int) bool { return receivers[i].Count < receivers[j].Count })

	var transfers []Transfer
	di, ri := 0, 0
	for di < len(donors) && ri < len(receivers) {
		d, r := &donors[di], &receivers[ri]
		avail := d.Count - int(avg)
		if avail <= 0 {
			di++
			continue
		}
		n := avail
		if n > b.opts.MaxLoadBalSize {
			n = b.opts.MaxLoadBalSize
		}
		need := int(avg) - r.Count
		if need <= 0 {
			ri++
			continue
		}
		if n > need {
			n = need
		}
		if n <= 0 {
			di++
			continue
		}
		transfers = append(transfers, Transfer{FromHub: d.HubID, ToHub: r.HubID, Count: n})
		pmetrics.LoadBalTokensMoved.WithLabelValues("donated").Add(float64(n))
		pmetrics.LoadBalTokensMoved.WithLabelValues("received").Add(float64(n))
		d.Count -= n
		r.Count += n
		if d.Count <= int(avg) {
			di++
		}
		if r.Count >= int(avg) {
			ri++
		}
	}
	return transfers
}

// TerminationDetected reports whether the global round satisfies the
// termination condition: zero count, all incumbent sources agree
// (or none is known), and (by construction of the caller, which must hold
// off calling this until in-flight messages have drained) no messages in
// flight.
func (b *Balancer) TerminationDetected(g GlobalLoad) bool {
	if g.Count != 0 {
		return false
	}
	return len(g.IncumbentSources) <= 1
}

// IntervalSeconds returns the next load-balancing interval, inflated by
// loadBalIdleIncrease when termination is suspected but sources disagree
// as the disagreement-recovery path.
func (b *Balancer) IntervalSeconds(g GlobalLoad) float64 {
	if g.Count == 0 && len(g.IncumbentSources) > 1 {
		return b.opts.LoadBalSeconds * b.opts.LoadBalIdleIncrease
	}
	return b.opts.LoadBalSeconds
}
