package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// MarkerCounter reports how many recovery markers are on disk
type MarkerCounter interface {
	CountMarkers() (active, errored int, err error)
}

// Collector periodically samples gauges that are not updated inline
type Collector struct {
	markers  MarkerCounter
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(markers MarkerCounter, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		markers:  markers,
		interval: interval,
		logger:   logger,
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
	active, errored, err := c.markers.CountMarkers()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to count recovery markers")
		return
	}
	MarkersTotal.WithLabelValues("active").Set(float64(active))
	MarkersTotal.WithLabelValues("error").Set(float64(errored))
}
