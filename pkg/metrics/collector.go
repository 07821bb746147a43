package metrics

import (
	"time"

	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// Collector periodically refreshes the entity gauges from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		// Collect immediately on start
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

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	logger := log.WithComponent("metrics")

	if err := c.collectRequests(); err != nil {
		logger.Debug().Err(err).Msg("Failed to collect request metrics")
	}
	if err := c.collectAllocations(); err != nil {
		logger.Debug().Err(err).Msg("Failed to collect allocation metrics")
	}
	if err := c.collectHeadNodes(); err != nil {
		logger.Debug().Err(err).Msg("Failed to collect head node metrics")
	}
}

func (c *Collector) collectRequests() error {
	requests, err := c.store.ListRequests()
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for s := range types.RequestTransitions {
		counts[string(s)] = 0
	}
	var requested int
	var workers types.JobCounts
	for _, r := range requests {
		counts[string(r.State)]++
		for _, ns := range r.StatusInfo {
			requested += ns.Requested
		}
		t := r.StatusInfo.Totals()
		workers.Running += t.Running
		workers.Idle += t.Idle
		workers.Error += t.Error
	}

	for state, n := range counts {
		EntitiesTotal.WithLabelValues("request", state).Set(float64(n))
	}
	WorkersRequested.Set(float64(requested))
	WorkersRunning.WithLabelValues("running").Set(float64(workers.Running))
	WorkersRunning.WithLabelValues("idle").Set(float64(workers.Idle))
	WorkersRunning.WithLabelValues("error").Set(float64(workers.Error))
	return nil
}

func (c *Collector) collectAllocations() error {
	allocations, err := c.store.ListAllocations()
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for s := range types.AllocationTransitions {
		counts[string(s)] = 0
	}
	for _, a := range allocations {
		counts[string(a.State)]++
	}
	for state, n := range counts {
		EntitiesTotal.WithLabelValues("allocation", state).Set(float64(n))
	}
	return nil
}

func (c *Collector) collectHeadNodes() error {
	nodesets, err := c.store.ListNodesets()
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for s := range types.HeadNodeTransitions {
		counts[string(s)] = 0
	}
	for _, ns := range nodesets {
		if ns.AppRole != types.AppRoleHeadNode {
			continue
		}
		counts[string(ns.State)]++
	}
	for state, n := range counts {
		EntitiesTotal.WithLabelValues("headnode", state).Set(float64(n))
	}
	return nil
}
