package metrics

import (
	"time"

	"github.com/cuemby/rsbackup/pkg/types"
)

// Collector periodically snapshots a Config's in-memory state into the
// package's gauges: device-identification state and per-volume backup
// age, both of which change only as a side effect of a run rather than
// being updated incrementally like the counters are.
type Collector struct {
	cfg    *types.Config
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over cfg.
func NewCollector(cfg *types.Config) *Collector {
	return &Collector{cfg: cfg, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds, in a long-running
// "rsbackup run" daemon; one-shot invocations should call Collect
// directly instead.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs one collection pass immediately.
func (c *Collector) Collect() {
	c.collectDevices()
	c.collectVolumeAges()
}

func (c *Collector) collectDevices() {
	for name, device := range c.cfg.Devices {
		if device.Store != nil {
			DevicesIdentified.WithLabelValues(name).Set(1)
		} else {
			DevicesIdentified.WithLabelValues(name).Set(0)
		}
	}
}

func (c *Collector) collectVolumeAges() {
	now := time.Now()
	for _, host := range c.cfg.Hosts {
		for _, volume := range host.Volumes {
			stats := volume.Calculate()
			if stats.Completed == 0 {
				continue
			}
			VolumeOldestBackupSeconds.WithLabelValues(host.Name, volume.Name).Set(now.Sub(stats.Oldest).Seconds())
			VolumeNewestBackupSeconds.WithLabelValues(host.Name, volume.Name).Set(now.Sub(stats.Newest).Seconds())
		}
	}
}
