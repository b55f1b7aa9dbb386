package workflow

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchSize    = 25
	staleClaimAfter     = 5 * time.Minute
)

// SideEffectDispatcher is the background safety net behind the inline kick:
// it re-claims due and abandoned tasks and runs them until they succeed or
// go DEAD.
type SideEffectDispatcher struct {
	Runner       *SideEffectRunner
	PollInterval time.Duration
	BatchSize    int
	workerId     string
}

func NewSideEffectDispatcher(runner *SideEffectRunner) *SideEffectDispatcher {
	pollInterval := defaultPollInterval
	if v := os.Getenv("SIDE_EFFECT_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pollInterval = time.Duration(n) * time.Second
		}
	}
	batchSize := defaultBatchSize
	if v := os.Getenv("SIDE_EFFECT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}
	hostname, _ := os.Hostname()
	return &SideEffectDispatcher{
		Runner:       runner,
		PollInterval: pollInterval,
		BatchSize:    batchSize,
		workerId:     fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
	}
}

// Run polls until ctx is cancelled. Meant to be started as a goroutine from
// the server bootstrap.
func (d *SideEffectDispatcher) Run(ctx context.Context) {
	logger := d.Runner.Logger
	logger.WithField("workerId", d.workerId).Info("side-effect dispatcher started")

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.WithField("workerId", d.workerId).Info("side-effect dispatcher stopped")
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce claims and runs one batch. Returns processed and succeeded counts.
func (d *SideEffectDispatcher) DrainOnce(ctx context.Context) (processed, succeeded int) {
	now := time.Now().UTC()
	claimed, err := d.Runner.Tasks.ClaimDue(ctx, d.BatchSize, now.Add(-staleClaimAfter), now, maxTaskAttempts, d.workerId)
	if err != nil {
		d.Runner.Logger.WithError(err).Error("side-effect claim failed")
		return 0, 0
	}
	for i := range claimed {
		processed++
		if d.Runner.runOne(ctx, &claimed[i]) {
			succeeded++
		}
	}
	if processed > 0 {
		d.Runner.Logger.WithFields(map[string]interface{}{
			"workerId":  d.workerId,
			"processed": processed,
			"succeeded": succeeded,
		}).Info("side-effect batch drained")
	}
	return processed, succeeded
}
