package metrics

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dcfleet/cnapi/pkg/storage"
)

// Collector periodically refreshes the fleet-state gauges from the
// durable store
type Collector struct {
	store  storage.Store
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a collector reading from store
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		period: 15 * time.Second,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
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
	c.collectBucketGauge(storage.BucketServers, ServersTotal)
	c.collectBucketGauge(storage.BucketTickets, TicketsTotal)
}

// collectBucketGauge counts a bucket's objects by their status field
// and publishes the counts to the gauge vector
func (c *Collector) collectBucketGauge(bucket string, gauge *prometheus.GaugeVec) {
	objs, err := c.store.FindObjects(bucket, nil, storage.FindOptions{})
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, obj := range objs {
		var rec struct {
			UUID   string `json:"uuid"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(obj.Data, &rec); err != nil {
			continue
		}
		if bucket == storage.BucketServers && rec.UUID == "default" {
			continue
		}
		counts[rec.Status]++
	}

	gauge.Reset()
	for status, count := range counts {
		gauge.WithLabelValues(status).Set(float64(count))
	}
}
