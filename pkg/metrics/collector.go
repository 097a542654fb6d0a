package metrics

import "time"

// Source is implemented by whatever owns cluster-wide state worth sampling
// periodically (the coordinator). Collector depends only on this narrow
// interface to avoid an import cycle with pkg/coordinator.
type Source interface {
	IsLeader() bool
	RaftAppliedIndex() uint64
	VolumeCountsByState() map[string]int
}

// Collector periodically samples a Source into the gauges declared in
// metrics.go.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector sampling every 15s.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, interval: 15 * time.Second, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
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

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftAppliedIndex.Set(float64(c.source.RaftAppliedIndex()))
	for state, n := range c.source.VolumeCountsByState() {
		VolumesTotal.WithLabelValues(state).Set(float64(n))
	}
}
