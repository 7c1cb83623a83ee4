// Package cooperative implements the per-process cooperative scheduler: a
// single goroutine that repeatedly picks the highest-bias pseudo-thread
// and runs its execute for one timeslice. Collapsing every per-process
// loop into one dispatching goroutine is what makes the rest of the
// engine lock-free: only one Schedulable ever runs at a time.
package cooperative

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/snl-pebbl/pebbl/pkg/plog"
	"github.com/snl-pebbl/pebbl/pkg/pmetrics"
	"github.com/snl-pebbl/pebbl/pkg/types"
)

// Schedulable is the capability every pseudo-thread exposes: a current
// priority (bias) and a time-quantum-bounded unit of work (execute).
type Schedulable interface {
	// Name identifies the pseudo-thread in logs and metrics.
	Name() string

	// Bias returns this thread's current scheduling priority. Higher runs
	// first. A thread with no work ready should return a bias so low it
	// never wins against a thread with real work (not necessarily zero —
	// the incumbent thread's noIncumbentMinBias floor is deliberately
	// high so it still gets scheduled before any incumbent exists).
	Bias() float64

	// Execute runs for up to quantum seconds of logical time and reports
	// how much it actually consumed. A thread that has no work at all may
	// return immediately having consumed nothing.
	Execute(ctx context.Context, quantum float64) (consumed float64, err error)
}

// Scheduler round-robins by bias among a fixed set of Schedulables, the way
// a single PEBBL process interleaves its worker, hub, incumbent, repository
// and auxiliary pseudo-threads without OS-level preemption.
type Scheduler struct {
	threads  []Schedulable
	timeSlice float64
	logger   zerolog.Logger

	// lastIndex is the index of the last thread dispatched; Step scans
	// starting just after it so threads tied on bias rotate fairly instead
	// of the earliest-registered thread winning every tie forever.
	lastIndex int

	// rounds counts completed dispatch cycles, exposed for tests and status
	// logging; it is not otherwise load-bearing.
	rounds uint64
}

// New builds a scheduler over threads, dispatching in timeSlice-second
// quanta (the timeSlice option).
func New(timeSlice float64, threads ...Schedulable) *Scheduler {
	return &Scheduler{
		threads:   threads,
		timeSlice: timeSlice,
		lastIndex: -1,
		logger:    plog.WithComponent("cooperative"),
	}
}

// Step runs exactly one dispatch: picks the highest-bias thread among those
// registered, breaking ties by round-robin rotation from the last
// dispatched thread, and calls its Execute for one timeslice. It returns
// the name of the thread that ran, or "" if no threads are registered.
func (s *Scheduler) Step(ctx context.Context) (string, error) {
	n := len(s.threads)
	if n == 0 {
		return "", nil
	}

	start := (s.lastIndex + 1) % n
	bestIdx := start
	bestBias := s.threads[start].Bias()
	pmetrics.SchedulerBias.WithLabelValues(s.threads[start].Name()).Set(bestBias)
	for i := 1; i < n; i++ {
		idx := (start + i) % n
		b := s.threads[idx].Bias()
		pmetrics.SchedulerBias.WithLabelValues(s.threads[idx].Name()).Set(b)
		if b > bestBias {
			bestBias, bestIdx = b, idx
		}
	}
	best := s.threads[bestIdx]
	s.lastIndex = bestIdx

	consumed, err := best.Execute(ctx, s.timeSlice)
	s.rounds++
	if err != nil {
		s.logger.Error().Err(err).Str("thread", best.Name()).Msg("pseudo-thread execute failed")
		return best.Name(), err
	}
	s.logger.Debug().
		Str("thread", best.Name()).
		Float64("bias", bestBias).
		Float64("consumed", consumed).
		Msg("dispatched pseudo-thread")
	return best.Name(), nil
}

// Run drives Step in a loop until ctx is cancelled. Fatal errors (per
// types.ErrorKind.Fatal) stop the loop and are returned; non-fatal errors
// are logged and the loop continues, keeping a "log error but
// continue" scheduler posture.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := s.Step(ctx)
		if err != nil {
			var ee *types.EngineError
			if engineErrorAs(err, &ee) && ee.Kind.Fatal() {
				return err
			}
		}
	}
}

// engineErrorAs is a tiny errors.As wrapper kept local to avoid importing
// "errors" solely for this one call site elsewhere in the package.
func engineErrorAs(err error, target **types.EngineError) bool {
	for err != nil {
		if ee, ok := err.(*types.EngineError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Rounds reports how many dispatch cycles have completed.
func (s *Scheduler) Rounds() uint64 { return s.rounds }
