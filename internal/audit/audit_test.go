package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelforge/labeld/internal/storage/memory"
	"github.com/labelforge/labeld/internal/types"
)

func TestRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)

	require.NoError(t, Record(ctx, store, "acme", "assignment", "asn_1",
		types.AuditCreated, "lab_1", map[string]string{"queue_id": "q_1"}))
	require.NoError(t, Record(ctx, store, "acme", "assignment", "asn_1",
		types.AuditUpdated, "lab_1", nil))

	entries, err := store.ListAudit(ctx, "acme", "asn_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.AuditCreated, entries[0].Action)
	assert.Equal(t, "q_1", entries[0].Metadata["queue_id"])
	assert.Greater(t, entries[1].ID, entries[0].ID)
	assert.False(t, entries[0].OccurredAt.IsZero())
}

func TestRecordAt(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, RecordAt(ctx, store, "acme", "label", "lbl_1",
		types.AuditDeleted, "retention", nil, at))

	entries, err := store.ListAudit(ctx, "acme", "lbl_1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, at, entries[0].OccurredAt)
}
