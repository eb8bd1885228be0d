package workers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/labelforge/labeld/internal/agreement"
	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/types"
)

const (
	// DefaultEnqueueWindow is how long an agreement recompute for a queue
	// stays deduplicated.
	DefaultEnqueueWindow = 24 * time.Hour

	agreementChunk = 100
)

// SampleAgreement is the per-sample outcome of a recompute pass.
type SampleAgreement struct {
	SampleID string  `json:"sample_id"`
	Metric   string  `json:"metric"`
	Score    float64 `json:"score"`
	Raters   int     `json:"raters"`
}

// AgreementReport summarizes one recompute pass.
type AgreementReport struct {
	Samples  []SampleAgreement `json:"samples"`
	Computed int               `json:"computed"`
	Skipped  int               `json:"skipped"`
}

// AgreementWorker recomputes inter-rater agreement for samples with at
// least two labels. Enqueueing is idempotent per queue within the window.
type AgreementWorker struct {
	store  storage.Store
	clk    clock.Clock
	Window time.Duration

	mu       sync.Mutex
	lastRuns map[string]time.Time // tenant\x00queue -> last enqueue
}

// NewAgreementWorker returns a worker with the default dedupe window.
func NewAgreementWorker(store storage.Store, clk clock.Clock) *AgreementWorker {
	if clk == nil {
		clk = clock.System
	}
	return &AgreementWorker{
		store:    store,
		clk:      clk,
		Window:   DefaultEnqueueWindow,
		lastRuns: make(map[string]time.Time),
	}
}

// TryEnqueue records an enqueue for the queue and reports whether the
// caller should run. A second enqueue inside the window is a no-op.
func (w *AgreementWorker) TryEnqueue(tenantID, queueID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := tenantID + "\x00" + queueID
	now := w.clk.Now()
	if last, ok := w.lastRuns[key]; ok && now.Sub(last) < w.Window {
		return false
	}
	w.lastRuns[key] = now
	return true
}

// RunOnce computes agreement for every sample in the queue (or the whole
// tenant when queueID is empty) carrying two or more labels. Samples are
// processed in chunks; per-sample failures are counted and skipped.
func (w *AgreementWorker) RunOnce(ctx context.Context, tenantID, queueID string) (*AgreementReport, error) {
	sampleIDs, err := w.store.SamplesWithMinLabels(ctx, tenantID, queueID, 2)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	report := &AgreementReport{}
	for start := 0; start < len(sampleIDs); start += agreementChunk {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + agreementChunk
		if end > len(sampleIDs) {
			end = len(sampleIDs)
		}
		for _, sampleID := range sampleIDs[start:end] {
			labels, err := w.store.ListLabels(ctx, tenantID, types.LabelFilter{
				QueueID:  queueID,
				SampleID: sampleID,
			})
			if err != nil {
				report.Skipped++
				fmt.Fprintf(os.Stderr, "agreement: sample %s: %v\n", sampleID, err)
				continue
			}
			res, err := agreement.Compute(labels, agreement.Options{})
			if err != nil {
				report.Skipped++
				continue
			}
			report.Samples = append(report.Samples, SampleAgreement{
				SampleID: sampleID,
				Metric:   string(res.Metric),
				Score:    res.Score,
				Raters:   res.Raters,
			})
			report.Computed++
		}
	}

	telemetry.Emit(ctx, "agreement_worker", "completed", map[string]int64{
		"computed": int64(report.Computed),
		"skipped":  int64(report.Skipped),
	}, map[string]string{"queue_id": queueID})
	return report, nil
}
