package storage

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// CleanupManager periodically sweeps expired entries out of the stores that
// do not expire them natively: in-process token and consent stores, the
// client cache and the consent session registry.
type CleanupManager struct {
	names    []string
	sweepers map[string]Sweeper
	interval time.Duration
	recorder metrics.Recorder

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupManager takes sweepers keyed by the store name reported in logs
// and metrics
func NewCleanupManager(sweepers map[string]Sweeper, interval time.Duration, recorder metrics.Recorder) *CleanupManager {
	return &CleanupManager{
		names:    slices.Sorted(maps.Keys(sweepers)),
		sweepers: sweepers,
		interval: interval,
		recorder: recorder,
	}
}

// Start sweeps once right away, then every interval until Stop or until ctx
// is done
func (cm *CleanupManager) Start(ctx context.Context) {
	ctx, cm.cancel = context.WithCancel(ctx)
	cm.done = make(chan struct{})

	log.LogInfoWithFields("cleanup", "Starting cleanup manager", map[string]any{
		"interval": cm.interval.String(),
		"stores":   cm.names,
	})
	go cm.run(ctx)
}

// Done is closed once the loop started by Start has returned
func (cm *CleanupManager) Done() <-chan struct{} {
	return cm.done
}

// Stop ends the loop and waits for an in-flight sweep to finish
func (cm *CleanupManager) Stop() {
	if cm.cancel == nil {
		return
	}
	cm.cancel()
	<-cm.done
	log.LogInfoWithFields("cleanup", "Cleanup manager stopped", nil)
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		cm.sweepAll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// sweepAll visits every store in name order. One failing store does not
// hold back the others.
func (cm *CleanupManager) sweepAll(ctx context.Context) {
	for _, name := range cm.names {
		if ctx.Err() != nil {
			return
		}
		removed, err := cm.sweepers[name].Sweep(ctx)
		cm.recorder.RecordSweep(name, removed, err)
		switch {
		case err != nil:
			log.LogErrorWithFields("cleanup", "Failed to sweep expired entries", map[string]any{
				"store": name,
				"error": err.Error(),
			})
		case removed > 0:
			log.LogDebugWithFields("cleanup", "Swept expired entries", map[string]any{
				"store":   name,
				"removed": removed,
			})
		}
	}
}
