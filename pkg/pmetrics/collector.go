package pmetrics

import "time"

// Snapshot is the read-only view of process state a Collector polls. It is
// produced by the cooperative scheduler's goroutine and handed across the
// same boundary the engine uses for its own status lines; Collector never
// touches LocalPool/TokenPool/incumbent state directly.
type Snapshot struct {
	LocalPoolCount     int
	LocalPoolBestBound float64
	TokenPoolCount     int
	IncumbentValue     float64
	IncumbentSource    int32
	HasIncumbent       bool
}

// Source is implemented by the engine's Process to hand the collector a
// point-in-time Snapshot without exposing any mutable internals.
type Source interface {
	Snapshot() Snapshot
}

// Collector periodically copies a Source's Snapshot into the package's
// Prometheus gauges. Counters (SubproblemsExplored, TokensDispatched, ...)
// are incremented directly by their owning components instead, since a
// poll-based collector cannot observe edge counts without double-counting.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{source: source, interval: interval, stopCh: make(chan struct{})}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.Snapshot()

	LocalPoolSize.Set(float64(snap.LocalPoolCount))
	LocalPoolBestBound.Set(snap.LocalPoolBestBound)
	TokenPoolSize.Set(float64(snap.TokenPoolCount))

	if snap.HasIncumbent {
		IncumbentValue.Set(snap.IncumbentValue)
		IncumbentSource.Set(float64(snap.IncumbentSource))
	}
}
