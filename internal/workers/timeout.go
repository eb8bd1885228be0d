// Package workers contains the background loops: the reservation timeout
// sweeper, the agreement recompute worker, and the retention worker. All
// loops are at-least-once and tolerate overlapping runs; per-item errors
// are counted, never fatal.
package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/labelforge/labeld/internal/audit"
	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/types"
)

const (
	// DefaultSweepInterval is how often the timeout sweeper runs.
	DefaultSweepInterval = 5 * time.Minute

	sweepBatch = 500
)

// SweepReport counts one sweeper pass.
type SweepReport struct {
	TimedOut int `json:"timed_out"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// TimeoutSweeper expires overdue reservations. Each expired assignment
// walks reserved -> timed_out -> requeued with the attempt counter
// bumped; the dispatcher claims requeued assignments once any requeue
// delay has elapsed. Overlapping sweeps are safe: the optimistic lock
// lets exactly one instance win each transition and the loser just
// moves on.
type TimeoutSweeper struct {
	store        storage.Store
	clk          clock.Clock
	Interval     time.Duration
	RequeueDelay time.Duration
}

// NewTimeoutSweeper returns a sweeper with the default interval and no
// requeue delay.
func NewTimeoutSweeper(store storage.Store, clk clock.Clock) *TimeoutSweeper {
	if clk == nil {
		clk = clock.System
	}
	return &TimeoutSweeper{
		store:    store,
		clk:      clk,
		Interval: DefaultSweepInterval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *TimeoutSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := w.SweepOnce(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "timeout sweep: %v\n", err)
				continue
			}
			if report.TimedOut > 0 || report.Failed > 0 {
				fmt.Fprintf(os.Stderr, "timeout sweep: timed_out=%d requeued=%d failed=%d\n",
					report.TimedOut, report.Requeued, report.Failed)
			}
		}
	}
}

// SweepOnce processes every currently expired reservation once.
func (w *TimeoutSweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	now := w.clk.Now()
	report := &SweepReport{}

	expired, err := w.store.ExpiredReservations(ctx, now, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}

	for _, a := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch err := w.expire(ctx, a, now); {
		case err == nil:
			report.TimedOut++
			report.Requeued++
		case errors.Is(err, storage.ErrStaleVersion):
			// Another sweep or a racing submission already handled it.
		default:
			report.Failed++
			fmt.Fprintf(os.Stderr, "timeout sweep: assignment %s: %v\n", a.ID, err)
		}
	}

	telemetry.Emit(ctx, "timeout_checker", "completed", map[string]int64{
		"timed_out": int64(report.TimedOut),
		"requeued":  int64(report.Requeued),
		"failed":    int64(report.Failed),
	}, nil)
	return report, nil
}

// expire walks one assignment through the timeout transitions.
func (w *TimeoutSweeper) expire(ctx context.Context, a *types.Assignment, now time.Time) error {
	timedOutBy := a.LabelerID

	a.Status = types.AssignmentTimedOut
	if err := w.store.UpdateAssignment(ctx, a); err != nil {
		return err
	}

	a.Status = types.AssignmentRequeued
	a.RequeueAttempts++
	a.LabelerID = ""
	a.ReservedAt = nil
	a.Deadline = nil
	if w.RequeueDelay > 0 {
		until := now.Add(w.RequeueDelay)
		a.RequeueDelayUntil = &until
	}
	if err := w.store.UpdateAssignment(ctx, a); err != nil {
		return err
	}

	return audit.Record(ctx, w.store, a.TenantID, "assignment", a.ID,
		types.AuditUpdated, "timeout_checker", map[string]string{
			"status":    string(types.AssignmentRequeued),
			"timed_out": timedOutBy,
			"attempts":  fmt.Sprintf("%d", a.RequeueAttempts),
		})
}
