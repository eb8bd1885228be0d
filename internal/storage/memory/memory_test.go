package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

func testStore(t *testing.T) (*Store, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(clk), clk
}

func TestTenantScopedReads(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	q := &types.Queue{ID: "q1", TenantID: "acme", Name: "sentiment", Status: types.QueueActive}
	require.NoError(t, s.CreateQueue(ctx, q))

	// Same tenant sees the queue.
	got, err := s.GetQueue(ctx, "acme", "q1")
	require.NoError(t, err)
	assert.Equal(t, "sentiment", got.Name)

	// Another tenant gets not-found, indistinguishable from absent.
	_, err = s.GetQueue(ctx, "globex", "q1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Cross-tenant write is a tenant mismatch.
	q2 := *got
	q2.TenantID = "globex"
	err = s.UpdateQueue(ctx, &q2)
	assert.ErrorIs(t, err, storage.ErrTenantMismatch)
}

func TestQueueNameUniquePerTenant(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateQueue(ctx, &types.Queue{ID: "q1", TenantID: "acme", Name: "sentiment"}))
	err := s.CreateQueue(ctx, &types.Queue{ID: "q2", TenantID: "acme", Name: "sentiment"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	// Same name under another tenant is fine.
	require.NoError(t, s.CreateQueue(ctx, &types.Queue{ID: "q3", TenantID: "globex", Name: "sentiment"}))
}

func TestOptimisticLocking(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := &types.Assignment{ID: "a1", TenantID: "acme", QueueID: "q1", SampleID: "s1", Status: types.AssignmentPending}
	require.NoError(t, s.CreateAssignment(ctx, a))
	assert.Equal(t, 1, a.Version)

	// Two callers load the same version.
	first, err := s.GetAssignment(ctx, "acme", "a1")
	require.NoError(t, err)
	second, err := s.GetAssignment(ctx, "acme", "a1")
	require.NoError(t, err)

	first.Status = types.AssignmentReserved
	require.NoError(t, s.UpdateAssignment(ctx, first))
	assert.Equal(t, 2, first.Version)

	// The stale copy loses.
	second.Status = types.AssignmentSkipped
	err = s.UpdateAssignment(ctx, second)
	assert.ErrorIs(t, err, storage.ErrStaleVersion)
}

func TestLabelUniquePerAssignmentAndLabeler(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	l := &types.Label{ID: "l1", TenantID: "acme", AssignmentID: "a1", LabelerID: "u1",
		QueueID: "q1", SampleID: "s1", Payload: map[string]any{"sentiment": "positive"}}
	require.NoError(t, s.CreateLabel(ctx, l))

	dup := &types.Label{ID: "l2", TenantID: "acme", AssignmentID: "a1", LabelerID: "u1"}
	err := s.CreateLabel(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateLabel)

	// Same assignment, different labeler is allowed.
	other := &types.Label{ID: "l3", TenantID: "acme", AssignmentID: "a1", LabelerID: "u2"}
	require.NoError(t, s.CreateLabel(ctx, other))
}

func TestListLabelsOrdering(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	base := clk.Now()
	labels := []*types.Label{
		{ID: "l1", TenantID: "acme", AssignmentID: "a1", QueueID: "q1", SampleID: "s2", LabelerID: "u1", SubmittedAt: base},
		{ID: "l2", TenantID: "acme", AssignmentID: "a2", QueueID: "q1", SampleID: "s1", LabelerID: "u2", SubmittedAt: base.Add(time.Second)},
		{ID: "l3", TenantID: "acme", AssignmentID: "a3", QueueID: "q1", SampleID: "s1", LabelerID: "u1", SubmittedAt: base.Add(2 * time.Second)},
	}
	for _, l := range labels {
		require.NoError(t, s.CreateLabel(ctx, l))
	}

	got, err := s.ListLabels(ctx, "acme", types.LabelFilter{QueueID: "q1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "l3", got[0].ID) // s1/u1
	assert.Equal(t, "l2", got[1].ID) // s1/u2
	assert.Equal(t, "l1", got[2].ID) // s2/u1
}

func TestExpiredReservations(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	now := clk.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	expired := &types.Assignment{ID: "a1", TenantID: "acme", QueueID: "q1", SampleID: "s1",
		Status: types.AssignmentReserved, Deadline: &past}
	live := &types.Assignment{ID: "a2", TenantID: "acme", QueueID: "q1", SampleID: "s2",
		Status: types.AssignmentReserved, Deadline: &future}
	require.NoError(t, s.CreateAssignment(ctx, expired))
	require.NoError(t, s.CreateAssignment(ctx, live))

	got, err := s.ExpiredReservations(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
}

func TestQueueStats(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateQueue(ctx, &types.Queue{ID: "q1", TenantID: "acme", Name: "n"}))
	require.NoError(t, s.CreateAssignment(ctx, &types.Assignment{ID: "a1", TenantID: "acme", QueueID: "q1", SampleID: "s1", Status: types.AssignmentCompleted}))
	require.NoError(t, s.CreateAssignment(ctx, &types.Assignment{ID: "a2", TenantID: "acme", QueueID: "q1", SampleID: "s2", Status: types.AssignmentPending}))

	stats, err := s.QueueStats(ctx, "acme", "q1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalAssignments)
	assert.Equal(t, 1, stats.Labeled)
	assert.Equal(t, 1, stats.Remaining)
}

func TestTxRollbackLeavesNoState(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	a := &types.Assignment{ID: "a1", TenantID: "acme", QueueID: "q1", SampleID: "s1",
		Status: types.AssignmentReserved, LabelerID: "u1"}
	require.NoError(t, s.CreateAssignment(ctx, a))

	v := &types.SchemaVersion{ID: "v1", TenantID: "acme", QueueID: "q1", Version: 1}
	require.NoError(t, s.CreateSchemaVersion(ctx, v))

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		got, err := tx.GetAssignment(ctx, "acme", "a1")
		if err != nil {
			return err
		}
		got.Status = types.AssignmentCompleted
		if err := tx.UpdateAssignment(ctx, got); err != nil {
			return err
		}
		if err := tx.CreateLabel(ctx, &types.Label{ID: "l1", TenantID: "acme", AssignmentID: "a1", LabelerID: "u1"}); err != nil {
			return err
		}
		if err := tx.FreezeSchemaVersion(ctx, "acme", "v1", clk.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Everything rolled back.
	got, err := s.GetAssignment(ctx, "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentReserved, got.Status)
	assert.Equal(t, 1, got.Version)

	_, err = s.GetLabel(ctx, "acme", "l1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ver, err := s.GetSchemaVersion(ctx, "acme", "v1")
	require.NoError(t, err)
	assert.Nil(t, ver.FrozenAt)
	assert.Equal(t, 0, ver.LabelCount)
}

func TestFreezeSchemaVersionIdempotentTimestamp(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	v := &types.SchemaVersion{ID: "v1", TenantID: "acme", QueueID: "q1", Version: 1}
	require.NoError(t, s.CreateSchemaVersion(ctx, v))

	first := clk.Now()
	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		return tx.FreezeSchemaVersion(ctx, "acme", "v1", first)
	})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	err = s.RunInTx(ctx, func(tx storage.Tx) error {
		return tx.FreezeSchemaVersion(ctx, "acme", "v1", clk.Now())
	})
	require.NoError(t, err)

	got, err := s.GetSchemaVersion(ctx, "acme", "v1")
	require.NoError(t, err)
	require.NotNil(t, got.FrozenAt)
	assert.True(t, got.FrozenAt.Equal(first), "frozen_at must keep the first freeze time")
	assert.Equal(t, 2, got.LabelCount)
	assert.False(t, got.Mutable())
}

func TestUpdateFrozenSchemaVersionRejected(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	v := &types.SchemaVersion{ID: "v1", TenantID: "acme", QueueID: "q1", Version: 1}
	require.NoError(t, s.CreateSchemaVersion(ctx, v))
	require.NoError(t, s.RunInTx(ctx, func(tx storage.Tx) error {
		return tx.FreezeSchemaVersion(ctx, "acme", "v1", clk.Now())
	}))

	v.Definition.Name = "changed"
	err := s.UpdateSchemaVersion(ctx, v)
	assert.ErrorIs(t, err, storage.ErrFrozen)
}

func TestDeleteAuditBefore(t *testing.T) {
	s, clk := testStore(t)
	ctx := context.Background()

	old := clk.Now().Add(-48 * time.Hour)
	recent := clk.Now()
	require.NoError(t, s.AppendAudit(ctx, &types.AuditEntry{TenantID: "acme", EntityID: "e1", Action: types.AuditCreated, OccurredAt: old}))
	require.NoError(t, s.AppendAudit(ctx, &types.AuditEntry{TenantID: "acme", EntityID: "e2", Action: types.AuditCreated, OccurredAt: recent}))

	n, err := s.DeleteAuditBefore(ctx, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.ListAudit(ctx, "acme", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e2", entries[0].EntityID)
}

func TestReadsReturnCopies(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLabel(ctx, &types.Label{ID: "l1", TenantID: "acme", AssignmentID: "a1", LabelerID: "u1",
		Payload: map[string]any{"k": "v"}}))

	got, err := s.GetLabel(ctx, "acme", "l1")
	require.NoError(t, err)
	got.Payload["k"] = "mutated"

	again, err := s.GetLabel(ctx, "acme", "l1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Payload["k"])
}
