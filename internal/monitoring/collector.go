package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/store"
)

// pageSize is the number of runs fetched per ListRuns call.
const pageSize = 500

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsActive    int     `json:"runs_active"`
	FailRate      float64 `json:"fail_rate"`

	// Active runs started longer ago than the stuck threshold.
	RunsStuck int `json:"runs_stuck"`

	// Recorded stage errors by kind.
	ErrorsByKind map[model.ErrorKind]int `json:"errors_by_kind"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store subset the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.AnalysisRun, error)
}

// Collector gathers run metrics from the store.
type Collector struct {
	runs     RunLister
	stuckAge time.Duration
	now      func() time.Time
}

// NewCollector creates a metrics collector. stuckAge <= 0 disables the
// stuck run count.
func NewCollector(runs RunLister, stuckAge time.Duration) *Collector {
	return &Collector{runs: runs, stuckAge: stuckAge, now: time.Now}
}

// Collect gathers a snapshot of runs started within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		ErrorsByKind:  make(map[model.ErrorKind]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs come back newest first, so paging stops at the first run
	// older than the cutoff.
	for offset := 0; ; offset += pageSize {
		runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				return c.finish(snap), nil
			}
			c.count(snap, r, now)
		}
		if len(runs) < pageSize {
			return c.finish(snap), nil
		}
	}
}

func (c *Collector) count(snap *MetricsSnapshot, r model.AnalysisRun, now time.Time) {
	snap.RunsTotal++
	switch r.Stage {
	case model.StageCompleted:
		snap.RunsCompleted++
	case model.StageFailed:
		snap.RunsFailed++
	case model.StageCancelled:
		snap.RunsCancelled++
	default:
		snap.RunsActive++
		if c.stuckAge > 0 && now.Sub(r.StartedAt) > c.stuckAge {
			snap.RunsStuck++
		}
	}
	for _, e := range r.Errors {
		snap.ErrorsByKind[e.Kind]++
	}
}

func (c *Collector) finish(snap *MetricsSnapshot) *MetricsSnapshot {
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap
}
