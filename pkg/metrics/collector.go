package metrics

import (
	"time"

	"github.com/cuemby/backplane/pkg/log"
)

// FleetSource is what the collector reads gauges from. The manager
// implements it.
type FleetSource interface {
	// FleetCounts returns, per group, the number of controlled root
	// manifests per attached server
	FleetCounts() (map[string]map[string]int, error)
}

// Collector periodically refreshes fleet gauges
type Collector struct {
	source   FleetSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source FleetSource) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts, err := c.source.FleetCounts()
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Debug().Err(err).Msg("Failed to collect fleet counts")
		return
	}

	ManagedServers.Reset()
	ControlledManifests.Reset()
	for group, servers := range counts {
		ManagedServers.WithLabelValues(group).Set(float64(len(servers)))
		for server, n := range servers {
			ControlledManifests.WithLabelValues(group, server).Set(float64(n))
		}
	}
}
