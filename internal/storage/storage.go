// Package storage provides shared types for labeld persistence.
//
// The concrete implementations live in the memory and sqlstore sub-packages.
// This package holds the interface, filter, and error types that are
// referenced by both the implementations and their consumers (dispatch,
// workers, export, server).
//
// Every read is tenant-scoped: records belonging to another tenant are
// indistinguishable from absent and surface as ErrNotFound. Writes whose
// resource tenant disagrees with the actor's tenant fail with
// ErrTenantMismatch.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/labelforge/labeld/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the
// store, or exists under a different tenant.
var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned when an optimistic-locked update observes a
// version other than the one it loaded. The caller must reload and retry.
var ErrStaleVersion = errors.New("stale version")

// ErrTenantMismatch is returned when a write's resource tenant disagrees
// with the actor's tenant.
var ErrTenantMismatch = errors.New("tenant mismatch")

// ErrDuplicateLabel is returned when a second label is inserted for the
// same (assignment, labeler) pair.
var ErrDuplicateLabel = errors.New("label already exists for assignment and labeler")

// ErrDuplicate is returned on unique-constraint violations other than
// labels (queue name within tenant, labeler external id within tenant).
var ErrDuplicate = errors.New("duplicate entity")

// ErrFrozen is returned when mutating a schema version that is no longer
// mutable.
var ErrFrozen = errors.New("schema version is frozen")

// Store is the persistence contract satisfied by *memory.Store and
// *sqlstore.Store. Consumers depend on this interface so the backend can
// be selected by configuration.
type Store interface {
	// Schemas
	CreateSchema(ctx context.Context, schema *types.Schema) error
	GetSchema(ctx context.Context, tenantID, id string) (*types.Schema, error)

	// Schema versions
	CreateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error
	GetSchemaVersion(ctx context.Context, tenantID, id string) (*types.SchemaVersion, error)
	UpdateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error

	// Queues
	CreateQueue(ctx context.Context, q *types.Queue) error
	GetQueue(ctx context.Context, tenantID, id string) (*types.Queue, error)
	UpdateQueue(ctx context.Context, q *types.Queue) error
	QueueStats(ctx context.Context, tenantID, queueID string) (*types.QueueStats, error)

	// Sample refs
	CreateSampleRef(ctx context.Context, s *types.SampleRef) error
	GetSampleRef(ctx context.Context, tenantID, id string) (*types.SampleRef, error)
	ListQueueSamples(ctx context.Context, tenantID, queueID string) ([]*types.SampleRef, error)

	// Labelers
	CreateLabeler(ctx context.Context, l *types.Labeler) error
	GetLabeler(ctx context.Context, tenantID, id string) (*types.Labeler, error)
	GetLabelerByExternalID(ctx context.Context, tenantID, externalID string) (*types.Labeler, error)
	UpdateLabeler(ctx context.Context, l *types.Labeler) error
	ListLabelers(ctx context.Context, tenantID string) ([]*types.Labeler, error)

	// Assignments
	CreateAssignment(ctx context.Context, a *types.Assignment) error
	GetAssignment(ctx context.Context, tenantID, id string) (*types.Assignment, error)
	// UpdateAssignment applies an optimistic-locked update: the row's stored
	// version must equal a.Version or the update fails with ErrStaleVersion.
	// On success the store increments the version and reflects it in a.
	UpdateAssignment(ctx context.Context, a *types.Assignment) error
	ListAssignments(ctx context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error)
	CountActiveAssignments(ctx context.Context, tenantID, labelerID string) (int, error)
	// ExpiredReservations scans across tenants; it exists for the timeout
	// worker only and never reaches request handlers.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*types.Assignment, error)

	// Labels
	CreateLabel(ctx context.Context, l *types.Label) error
	GetLabel(ctx context.Context, tenantID, id string) (*types.Label, error)
	ListLabels(ctx context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error)
	// SampleLabelCounts returns label counts per external sample id for a queue.
	SampleLabelCounts(ctx context.Context, tenantID, queueID string) (map[string]int, error)
	// SamplesLabeledBy returns the set of external sample ids the labeler has
	// already labeled in the queue.
	SamplesLabeledBy(ctx context.Context, tenantID, queueID, labelerID string) (map[string]bool, error)
	// SamplesWithMinLabels returns external sample ids with at least min labels.
	// queueID may be empty to scan the whole tenant.
	SamplesWithMinLabels(ctx context.Context, tenantID, queueID string, min int) ([]string, error)
	UpdateLabelPayload(ctx context.Context, tenantID, labelID string, payload map[string]any) error
	SoftDeleteLabel(ctx context.Context, tenantID, labelID string, at time.Time) error
	HardDeleteLabel(ctx context.Context, tenantID, labelID string) error

	// Audit log (append-only)
	AppendAudit(ctx context.Context, e *types.AuditEntry) error
	ListAudit(ctx context.Context, tenantID, entityID string, limit int) ([]*types.AuditEntry, error)
	// DeleteAuditBefore prunes entries older than cutoff across all tenants
	// and returns the number deleted. Used by the retention worker.
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Transactions
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
}

// Tx exposes the subset of store operations that participate in the label
// submission and reservation transactions: reserve-state check, label
// insert, freeze-on-first-write, and assignment completion must all
// commit or all roll back.
type Tx interface {
	GetAssignment(ctx context.Context, tenantID, id string) (*types.Assignment, error)
	CreateAssignment(ctx context.Context, a *types.Assignment) error
	UpdateAssignment(ctx context.Context, a *types.Assignment) error
	ListAssignments(ctx context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error)
	GetSchemaVersion(ctx context.Context, tenantID, id string) (*types.SchemaVersion, error)
	// FreezeSchemaVersion sets frozen_at if unset and increments label_count.
	// Idempotent with respect to the freeze timestamp.
	FreezeSchemaVersion(ctx context.Context, tenantID, id string, at time.Time) error
	CreateLabel(ctx context.Context, l *types.Label) error
	ListLabels(ctx context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error)
	UpdateLabelPayload(ctx context.Context, tenantID, labelID string, payload map[string]any) error
	AppendAudit(ctx context.Context, e *types.AuditEntry) error
}
