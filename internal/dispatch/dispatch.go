// Package dispatch implements the two-phase assignment lease: fetch_next
// reserves a sample for a labeler, submit_label turns the reservation
// into a stored label, skip releases it back to the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/labelforge/labeld/internal/audit"
	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/idgen"
	"github.com/labelforge/labeld/internal/policy"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/types"
)

// Dispatch errors. ErrNoSamples is the caller-facing "nothing to do"
// outcome; the others are rejections of the specific request.
var (
	ErrNoSamples      = errors.New("no samples available")
	ErrQueueNotActive = errors.New("queue is not active")
	ErrBlocklisted    = errors.New("labeler is blocked from this queue")
	ErrMaxConcurrent  = errors.New("labeler is at max concurrent assignments")
	ErrNotReserved    = errors.New("assignment is not reserved")
	ErrWrongLabeler   = errors.New("assignment is reserved by another labeler")
	ErrExpired        = errors.New("assignment deadline has passed")
)

// reserveAttempts bounds optimistic-lock retries during fetch_next.
// Exhaustion surfaces as ErrNoSamples, never as an internal error.
const reserveAttempts = 4

// claimableStatuses are the assignment states a fetch_next may take over:
// never-claimed pending assignments and requeued ones whose timeout
// delay has elapsed.
var claimableStatuses = []types.AssignmentStatus{
	types.AssignmentPending,
	types.AssignmentRequeued,
}

// Dispatcher coordinates assignment leases over a store and a policy
// registry. Policy instances are cached per queue so stateful policies
// (round robin) keep their position across requests.
type Dispatcher struct {
	store    storage.Store
	policies *policy.Registry
	clk      clock.Clock

	mu    sync.Mutex
	cache map[string]cachedPolicy // queue id -> instance
}

type cachedPolicy struct {
	config types.PolicyConfig
	policy policy.Policy
}

// New returns a dispatcher. A nil registry gets the built-in policies; a
// nil clock gets the system clock.
func New(store storage.Store, policies *policy.Registry, clk clock.Clock) *Dispatcher {
	if policies == nil {
		policies = policy.NewRegistry()
	}
	if clk == nil {
		clk = clock.System
	}
	return &Dispatcher{
		store:    store,
		policies: policies,
		clk:      clk,
		cache:    make(map[string]cachedPolicy),
	}
}

// policyFor returns the queue's policy instance, rebuilding it when the
// queue's policy config has changed.
func (d *Dispatcher) policyFor(queue *types.Queue) (policy.Policy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.cache[queue.ID]; ok && reflect.DeepEqual(cached.config, queue.Policy) {
		return cached.policy, nil
	}
	p, err := d.policies.New(queue.Policy)
	if err != nil {
		return nil, err
	}
	d.cache[queue.ID] = cachedPolicy{config: queue.Policy, policy: p}
	return p, nil
}

// FetchNext reserves the next sample in the queue for the labeler and
// returns the reservation. Returns ErrNoSamples when the queue has
// nothing eligible, and a rejection error when the labeler may not take
// work from this queue.
func (d *Dispatcher) FetchNext(ctx context.Context, tenantID, queueID, labelerID string) (*types.Assignment, error) {
	queue, err := d.store.GetQueue(ctx, tenantID, queueID)
	if err != nil {
		return nil, err
	}
	labeler, err := d.store.GetLabeler(ctx, tenantID, labelerID)
	if err != nil {
		return nil, err
	}

	if queue.Status != types.QueueActive {
		return nil, ErrQueueNotActive
	}
	if labeler.BlockedFrom(queue.ID) {
		return nil, ErrBlocklisted
	}
	if labeler.MaxConcurrentAssignments > 0 {
		active, err := d.store.CountActiveAssignments(ctx, tenantID, labelerID)
		if err != nil {
			return nil, err
		}
		if active >= labeler.MaxConcurrentAssignments {
			return nil, ErrMaxConcurrent
		}
	}

	candidates, err := d.buildCandidates(ctx, queue, labeler)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoSamples
	}

	pol, err := d.policyFor(queue)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", queue.ID, err)
	}

	assignment, chosen, err := d.reserveWithRetry(ctx, queue, labeler, pol, candidates)
	if err != nil {
		return nil, err
	}
	pol.Observe(chosen)

	_ = audit.Record(ctx, d.store, tenantID, "assignment", assignment.ID,
		types.AuditCreated, labelerID, map[string]string{
			"queue_id":  queue.ID,
			"sample_id": assignment.SampleID,
		})
	telemetry.Emit(ctx, "assignment", "created", nil, map[string]string{
		"queue_id": queue.ID,
		"policy":   queue.Policy.Name,
	})
	return assignment, nil
}

// buildCandidates assembles the eligible sample set: per-sample label
// counts include live reservations so two labelers racing the same queue
// cannot both land on a fully covered sample.
func (d *Dispatcher) buildCandidates(ctx context.Context, queue *types.Queue, labeler *types.Labeler) ([]policy.Candidate, error) {
	samples, err := d.store.ListQueueSamples(ctx, queue.TenantID, queue.ID)
	if err != nil {
		return nil, err
	}
	counts, err := d.store.SampleLabelCounts(ctx, queue.TenantID, queue.ID)
	if err != nil {
		return nil, err
	}
	labeledBy, err := d.store.SamplesLabeledBy(ctx, queue.TenantID, queue.ID, labeler.ID)
	if err != nil {
		return nil, err
	}
	reserved, err := d.store.ListAssignments(ctx, queue.TenantID, types.AssignmentFilter{
		QueueID: queue.ID,
		Status:  types.AssignmentReserved,
	})
	if err != nil {
		return nil, err
	}
	reservedCount := make(map[string]int)
	reservedBy := make(map[string]map[string]bool)
	for _, a := range reserved {
		reservedCount[a.SampleID]++
		if reservedBy[a.SampleID] == nil {
			reservedBy[a.SampleID] = make(map[string]bool)
		}
		reservedBy[a.SampleID][a.LabelerID] = true
	}

	// Samples sitting out a requeue delay are not assignable yet.
	now := d.clk.Now()
	delayed := make(map[string]bool)
	for _, status := range claimableStatuses {
		open, err := d.store.ListAssignments(ctx, queue.TenantID, types.AssignmentFilter{
			QueueID: queue.ID,
			Status:  status,
		})
		if err != nil {
			return nil, err
		}
		for _, a := range open {
			if a.RequeueDelayUntil != nil && a.RequeueDelayUntil.After(now) {
				delayed[a.SampleID] = true
			}
		}
	}

	target := queue.LabelsPerSample
	if target <= 0 {
		target = 1
	}

	var candidates []policy.Candidate
	for _, s := range samples {
		if delayed[s.SampleID] {
			continue
		}
		count := counts[s.SampleID] + reservedCount[s.SampleID]
		if count >= target {
			continue
		}
		// A labeler never holds the same sample twice at once. Whether a
		// repeat label is allowed is the policy's call, via LabeledBy.
		if reservedBy[s.SampleID][labeler.ID] {
			continue
		}
		by := make(map[string]bool, len(reservedBy[s.SampleID])+1)
		for l := range reservedBy[s.SampleID] {
			by[l] = true
		}
		if labeledBy[s.SampleID] {
			by[labeler.ID] = true
		}
		candidates = append(candidates, policy.Candidate{
			Sample:     s,
			LabelCount: count,
			LabeledBy:  by,
		})
	}
	return candidates, nil
}

// reserveWithRetry runs the select-then-reserve loop. A lost optimistic
// lock means another labeler won the sample; the loop re-selects from the
// remaining candidates. Exhaustion is reported as ErrNoSamples.
func (d *Dispatcher) reserveWithRetry(ctx context.Context, queue *types.Queue, labeler *types.Labeler, pol policy.Policy, candidates []policy.Candidate) (*types.Assignment, policy.Candidate, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(10*time.Millisecond)),
		reserveAttempts-1,
	), ctx)

	var assignment *types.Assignment
	var chosen policy.Candidate
	err := backoff.Retry(func() error {
		if len(candidates) == 0 {
			return backoff.Permanent(ErrNoSamples)
		}
		c, err := pol.Select(labeler, candidates)
		if err != nil {
			if errors.Is(err, policy.ErrNoCandidates) {
				err = ErrNoSamples
			}
			return backoff.Permanent(err)
		}
		a, err := d.reserve(ctx, queue, labeler, c.Sample)
		if err != nil {
			if errors.Is(err, storage.ErrStaleVersion) || errors.Is(err, errSampleContended) {
				candidates = without(candidates, c.Sample.ID)
				return err // transient, retry with the sample removed
			}
			return backoff.Permanent(err)
		}
		assignment, chosen = a, c
		return nil
	}, bo)
	if err != nil {
		if errors.Is(err, storage.ErrStaleVersion) || errors.Is(err, errSampleContended) {
			return nil, policy.Candidate{}, ErrNoSamples
		}
		return nil, policy.Candidate{}, err
	}
	return assignment, chosen, nil
}

func without(candidates []policy.Candidate, sampleRefID string) []policy.Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Sample.ID != sampleRefID {
			out = append(out, c)
		}
	}
	return out
}

// errSampleContended signals that the sample's coverage filled up between
// candidate construction and the reserve transaction. The caller drops
// the sample and retries.
var errSampleContended = errors.New("sample was reserved concurrently")

// reserve claims an eligible pending assignment for the sample or creates
// a fresh reservation. The coverage recount and the write share one
// transaction so two racing labelers cannot both land on the last slot.
func (d *Dispatcher) reserve(ctx context.Context, queue *types.Queue, labeler *types.Labeler, sample *types.SampleRef) (*types.Assignment, error) {
	now := d.clk.Now()
	deadline := now.Add(time.Duration(queue.Timeout()) * time.Second)
	target := queue.LabelsPerSample
	if target <= 0 {
		target = 1
	}

	var out *types.Assignment
	err := d.store.RunInTx(ctx, func(tx storage.Tx) error {
		reserved, err := tx.ListAssignments(ctx, queue.TenantID, types.AssignmentFilter{
			QueueID:  queue.ID,
			SampleID: sample.SampleID,
			Status:   types.AssignmentReserved,
		})
		if err != nil {
			return err
		}
		labels, err := tx.ListLabels(ctx, queue.TenantID, types.LabelFilter{
			QueueID:  queue.ID,
			SampleID: sample.SampleID,
		})
		if err != nil {
			return err
		}
		if len(reserved)+len(labels) >= target {
			return errSampleContended
		}
		for _, r := range reserved {
			if r.LabelerID == labeler.ID {
				return errSampleContended
			}
		}

		for _, status := range claimableStatuses {
			open, err := tx.ListAssignments(ctx, queue.TenantID, types.AssignmentFilter{
				QueueID:  queue.ID,
				SampleID: sample.SampleID,
				Status:   status,
			})
			if err != nil {
				return err
			}
			for _, a := range open {
				if a.RequeueDelayUntil != nil && a.RequeueDelayUntil.After(now) {
					continue
				}
				a.LabelerID = labeler.ID
				a.Status = types.AssignmentReserved
				a.ReservedAt = &now
				a.Deadline = &deadline
				a.RequeueDelayUntil = nil
				if err := tx.UpdateAssignment(ctx, a); err != nil {
					return err
				}
				out = a
				return nil
			}
		}

		a := &types.Assignment{
			ID:             idgen.New("asn"),
			TenantID:       queue.TenantID,
			QueueID:        queue.ID,
			SampleID:       sample.SampleID,
			LabelerID:      labeler.ID,
			Status:         types.AssignmentReserved,
			ReservedAt:     &now,
			Deadline:       &deadline,
			TimeoutSeconds: queue.Timeout(),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateAssignment(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
