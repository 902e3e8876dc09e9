package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// CampaignSnapshot is the active campaign state sampled by the collector
type CampaignSnapshot struct {
	Active  bool
	Pending int
}

// CampaignStatsProvider reports the active campaign
type CampaignStatsProvider interface {
	ActiveSnapshot(ctx context.Context) (CampaignSnapshot, error)
}

// Collector samples gauges that are cheaper to poll than to track inline
type Collector struct {
	metrics     *Metrics
	campaigns   CampaignStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector. campaigns may be nil.
func NewCollector(m *Metrics, campaigns CampaignStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		campaigns:   campaigns,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins sampling in the background
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops sampling
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.campaigns != nil {
		snap, err := c.campaigns.ActiveSnapshot(ctx)
		if err == nil {
			if snap.Active {
				c.metrics.CampaignActive.Set(1)
				c.metrics.CampaignPending.Set(float64(snap.Pending))
			} else {
				c.metrics.CampaignActive.Set(0)
				c.metrics.CampaignPending.Set(0)
			}
		}
	}
}
