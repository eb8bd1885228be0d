package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// --- Schemas ---

func (s *Store) CreateSchema(ctx context.Context, schema *types.Schema) error {
	now := s.clk.Now()
	schema.CreatedAt = now
	schema.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schemas (id, tenant_id, name, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		schema.ID, schema.TenantID, schema.Name, marshal(schema), fmtTime(now), fmtTime(now))
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetSchema(ctx context.Context, tenantID, id string) (*types.Schema, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM schemas WHERE id = ? AND tenant_id = ?`,
		id, tenantID).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var schema types.Schema
	if err := json.Unmarshal([]byte(definition), &schema); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", id, err)
	}
	return &schema, nil
}

// --- Schema versions ---

const versionColumns = `id, tenant_id, queue_id, version, definition,
	transform_from_previous, frozen_at, label_count, created_at`

func (s *Store) CreateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error {
	v.CreatedAt = s.clk.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_versions (`+versionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, v.QueueID, v.Version, marshal(&v.Definition),
		v.TransformFromPrevious, fmtTimePtr(v.FrozenAt), v.LabelCount, fmtTime(v.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func scanSchemaVersion(row interface{ Scan(...any) error }) (*types.SchemaVersion, error) {
	var (
		v          types.SchemaVersion
		definition string
		frozenAt   sql.NullString
		createdAt  string
	)
	err := row.Scan(&v.ID, &v.TenantID, &v.QueueID, &v.Version, &definition,
		&v.TransformFromPrevious, &frozenAt, &v.LabelCount, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(definition), &v.Definition); err != nil {
		return nil, fmt.Errorf("decode schema version %s: %w", v.ID, err)
	}
	v.FrozenAt = parseTimePtr(frozenAt)
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

func getSchemaVersion(ctx context.Context, q querier, tenantID, id string) (*types.SchemaVersion, error) {
	v, err := scanSchemaVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM schema_versions WHERE id = ? AND tenant_id = ?`,
		id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (s *Store) GetSchemaVersion(ctx context.Context, tenantID, id string) (*types.SchemaVersion, error) {
	return getSchemaVersion(ctx, s.db, tenantID, id)
}

func (s *Store) UpdateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schema_versions
		 SET definition = ?, transform_from_previous = ?, frozen_at = ?
		 WHERE id = ? AND tenant_id = ? AND frozen_at IS NULL AND label_count = 0`,
		marshal(&v.Definition), v.TransformFromPrevious, fmtTimePtr(v.FrozenAt),
		v.ID, v.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.explainVersionUpdateFailure(ctx, v)
}

func (s *Store) explainVersionUpdateFailure(ctx context.Context, v *types.SchemaVersion) error {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM schema_versions WHERE id = ?`, v.ID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if tenantID != v.TenantID {
		return storage.ErrTenantMismatch
	}
	return storage.ErrFrozen
}

func freezeSchemaVersion(ctx context.Context, q querier, tenantID, id string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE schema_versions
		 SET frozen_at = COALESCE(frozen_at, ?), label_count = label_count + 1
		 WHERE id = ? AND tenant_id = ?`,
		fmtTime(at), id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Queues ---

const queueColumns = `id, tenant_id, name, schema_version_id, policy, status,
	labels_per_sample, timeout_seconds, created_at, updated_at`

func (s *Store) CreateQueue(ctx context.Context, q *types.Queue) error {
	now := s.clk.Now()
	q.CreatedAt = now
	q.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TenantID, q.Name, q.SchemaVersionID, marshal(&q.Policy), string(q.Status),
		q.LabelsPerSample, q.TimeoutSeconds, fmtTime(now), fmtTime(now))
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func scanQueue(row interface{ Scan(...any) error }) (*types.Queue, error) {
	var (
		q                    types.Queue
		policy               string
		createdAt, updatedAt string
	)
	err := row.Scan(&q.ID, &q.TenantID, &q.Name, &q.SchemaVersionID, &policy,
		&q.Status, &q.LabelsPerSample, &q.TimeoutSeconds, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policy), &q.Policy); err != nil {
		return nil, fmt.Errorf("decode queue policy %s: %w", q.ID, err)
	}
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

func (s *Store) GetQueue(ctx context.Context, tenantID, id string) (*types.Queue, error) {
	q, err := scanQueue(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE id = ? AND tenant_id = ?`,
		id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return q, err
}

func (s *Store) UpdateQueue(ctx context.Context, q *types.Queue) error {
	q.UpdatedAt = s.clk.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queues
		 SET name = ?, schema_version_id = ?, policy = ?, status = ?,
		     labels_per_sample = ?, timeout_seconds = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		q.Name, q.SchemaVersionID, marshal(&q.Policy), string(q.Status),
		q.LabelsPerSample, q.TimeoutSeconds, fmtTime(q.UpdatedAt),
		q.ID, q.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var tenantID string
	err = s.db.QueryRowContext(ctx, `SELECT tenant_id FROM queues WHERE id = ?`, q.ID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if tenantID != q.TenantID {
		return storage.ErrTenantMismatch
	}
	return nil
}

func (s *Store) QueueStats(ctx context.Context, tenantID, queueID string) (*types.QueueStats, error) {
	if _, err := s.GetQueue(ctx, tenantID, queueID); err != nil {
		return nil, err
	}
	stats := &types.QueueStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM assignments WHERE tenant_id = ? AND queue_id = ?`,
		string(types.AssignmentCompleted), tenantID, queueID).
		Scan(&stats.TotalAssignments, &stats.Labeled)
	if err != nil {
		return nil, err
	}
	stats.Remaining = stats.TotalAssignments - stats.Labeled
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return stats, nil
}

// --- Sample refs ---

func (s *Store) CreateSampleRef(ctx context.Context, ref *types.SampleRef) error {
	ref.CreatedAt = s.clk.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sample_refs (id, tenant_id, queue_id, sample_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.TenantID, ref.QueueID, ref.SampleID, marshal(ref.Metadata), fmtTime(ref.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func scanSampleRef(row interface{ Scan(...any) error }) (*types.SampleRef, error) {
	var (
		ref       types.SampleRef
		metadata  string
		createdAt string
	)
	err := row.Scan(&ref.ID, &ref.TenantID, &ref.QueueID, &ref.SampleID, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &ref.Metadata); err != nil {
		return nil, fmt.Errorf("decode sample metadata %s: %w", ref.ID, err)
	}
	ref.CreatedAt = parseTime(createdAt)
	return &ref, nil
}

func (s *Store) GetSampleRef(ctx context.Context, tenantID, id string) (*types.SampleRef, error) {
	ref, err := scanSampleRef(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, queue_id, sample_id, metadata, created_at
		 FROM sample_refs WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return ref, err
}

func (s *Store) ListQueueSamples(ctx context.Context, tenantID, queueID string) ([]*types.SampleRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, queue_id, sample_id, metadata, created_at
		 FROM sample_refs WHERE tenant_id = ? AND queue_id = ? ORDER BY sample_id`,
		tenantID, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.SampleRef
	for rows.Next() {
		ref, err := scanSampleRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// --- Labelers ---

const labelerColumns = `id, tenant_id, external_id, pseudonym, expertise,
	blocked_queues, max_concurrent_assignments, created_at`

func (s *Store) CreateLabeler(ctx context.Context, l *types.Labeler) error {
	l.CreatedAt = s.clk.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO labelers (`+labelerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, l.ExternalID, l.Pseudonym, marshal(l.Expertise),
		marshalList(l.BlockedQueues), l.MaxConcurrentAssignments, fmtTime(l.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func marshalList(list []string) string {
	if list == nil {
		return "[]"
	}
	return marshal(list)
}

func scanLabeler(row interface{ Scan(...any) error }) (*types.Labeler, error) {
	var (
		l                        types.Labeler
		expertise, blockedQueues string
		createdAt                string
	)
	err := row.Scan(&l.ID, &l.TenantID, &l.ExternalID, &l.Pseudonym, &expertise,
		&blockedQueues, &l.MaxConcurrentAssignments, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(expertise), &l.Expertise); err != nil {
		return nil, fmt.Errorf("decode labeler expertise %s: %w", l.ID, err)
	}
	if err := json.Unmarshal([]byte(blockedQueues), &l.BlockedQueues); err != nil {
		return nil, fmt.Errorf("decode labeler blocked queues %s: %w", l.ID, err)
	}
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

func (s *Store) GetLabeler(ctx context.Context, tenantID, id string) (*types.Labeler, error) {
	l, err := scanLabeler(s.db.QueryRowContext(ctx,
		`SELECT `+labelerColumns+` FROM labelers WHERE id = ? AND tenant_id = ?`,
		id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return l, err
}

func (s *Store) GetLabelerByExternalID(ctx context.Context, tenantID, externalID string) (*types.Labeler, error) {
	l, err := scanLabeler(s.db.QueryRowContext(ctx,
		`SELECT `+labelerColumns+` FROM labelers WHERE tenant_id = ? AND external_id = ?`,
		tenantID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return l, err
}

func (s *Store) UpdateLabeler(ctx context.Context, l *types.Labeler) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE labelers
		 SET external_id = ?, pseudonym = ?, expertise = ?, blocked_queues = ?,
		     max_concurrent_assignments = ?
		 WHERE id = ? AND tenant_id = ?`,
		l.ExternalID, l.Pseudonym, marshal(l.Expertise), marshalList(l.BlockedQueues),
		l.MaxConcurrentAssignments, l.ID, l.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var tenantID string
	err = s.db.QueryRowContext(ctx, `SELECT tenant_id FROM labelers WHERE id = ?`, l.ID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if tenantID != l.TenantID {
		return storage.ErrTenantMismatch
	}
	return nil
}

func (s *Store) ListLabelers(ctx context.Context, tenantID string) ([]*types.Labeler, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+labelerColumns+` FROM labelers WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Labeler
	for rows.Next() {
		l, err := scanLabeler(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Assignments ---

const assignmentColumns = `id, tenant_id, queue_id, sample_id, labeler_id, status,
	reserved_at, deadline, timeout_seconds, requeue_attempts, requeue_delay_until,
	skip_reason, version, created_at, updated_at`

func createAssignment(ctx context.Context, q querier, clk clock.Clock, a *types.Assignment) error {
	if a.Version == 0 {
		a.Version = 1
	}
	now := clk.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := q.ExecContext(ctx,
		`INSERT INTO assignments (`+assignmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.QueueID, a.SampleID, a.LabelerID, string(a.Status),
		fmtTimePtr(a.ReservedAt), fmtTimePtr(a.Deadline), a.TimeoutSeconds,
		a.RequeueAttempts, fmtTimePtr(a.RequeueDelayUntil), a.SkipReason,
		a.Version, fmtTime(now), fmtTime(now))
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) CreateAssignment(ctx context.Context, a *types.Assignment) error {
	return createAssignment(ctx, s.db, s.clk, a)
}

func scanAssignment(row interface{ Scan(...any) error }) (*types.Assignment, error) {
	var (
		a                             types.Assignment
		reservedAt, deadline, delayed sql.NullString
		createdAt, updatedAt          string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.QueueID, &a.SampleID, &a.LabelerID,
		&a.Status, &reservedAt, &deadline, &a.TimeoutSeconds, &a.RequeueAttempts,
		&delayed, &a.SkipReason, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.ReservedAt = parseTimePtr(reservedAt)
	a.Deadline = parseTimePtr(deadline)
	a.RequeueDelayUntil = parseTimePtr(delayed)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func getAssignment(ctx context.Context, q querier, tenantID, id string) (*types.Assignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = ? AND tenant_id = ?`,
		id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return a, err
}

func (s *Store) GetAssignment(ctx context.Context, tenantID, id string) (*types.Assignment, error) {
	return getAssignment(ctx, s.db, tenantID, id)
}

// updateAssignment applies the optimistic-locked write: the row must still
// carry a.Version or the update affects zero rows and the caller gets
// ErrStaleVersion.
func updateAssignment(ctx context.Context, q querier, clk clock.Clock, a *types.Assignment) error {
	now := clk.Now()
	res, err := q.ExecContext(ctx,
		`UPDATE assignments
		 SET labeler_id = ?, status = ?, reserved_at = ?, deadline = ?,
		     timeout_seconds = ?, requeue_attempts = ?, requeue_delay_until = ?,
		     skip_reason = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND version = ?`,
		a.LabelerID, string(a.Status), fmtTimePtr(a.ReservedAt), fmtTimePtr(a.Deadline),
		a.TimeoutSeconds, a.RequeueAttempts, fmtTimePtr(a.RequeueDelayUntil),
		a.SkipReason, fmtTime(now),
		a.ID, a.TenantID, a.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		a.Version++
		a.UpdatedAt = now
		return nil
	}
	var tenantID string
	err = q.QueryRowContext(ctx, `SELECT tenant_id FROM assignments WHERE id = ?`, a.ID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if tenantID != a.TenantID {
		return storage.ErrTenantMismatch
	}
	return storage.ErrStaleVersion
}

func (s *Store) UpdateAssignment(ctx context.Context, a *types.Assignment) error {
	return updateAssignment(ctx, s.db, s.clk, a)
}

func listAssignments(ctx context.Context, q querier, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.QueueID != "" {
		query += ` AND queue_id = ?`
		args = append(args, filter.QueueID)
	}
	if filter.SampleID != "" {
		query += ` AND sample_id = ?`
		args = append(args, filter.SampleID)
	}
	if filter.LabelerID != "" {
		query += ` AND labeler_id = ?`
		args = append(args, filter.LabelerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY sample_id, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListAssignments(ctx context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	return listAssignments(ctx, s.db, tenantID, filter)
}

func (s *Store) CountActiveAssignments(ctx context.Context, tenantID, labelerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments
		 WHERE tenant_id = ? AND labeler_id = ? AND status = ?`,
		tenantID, labelerID, string(types.AssignmentReserved)).Scan(&n)
	return n, err
}

func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*types.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments
		 WHERE status = ? AND deadline IS NOT NULL AND deadline < ?
		 ORDER BY id`
	args := []any{string(types.AssignmentReserved), fmtTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Labels ---

const labelColumns = `id, tenant_id, assignment_id, queue_id, sample_id, labeler_id,
	schema_version_id, payload, blob_ref, submitted_at, deleted_at`

func createLabel(ctx context.Context, q querier, clk clock.Clock, l *types.Label) error {
	if l.SubmittedAt.IsZero() {
		l.SubmittedAt = clk.Now()
	}
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM labels WHERE assignment_id = ? AND labeler_id = ?`,
		l.AssignmentID, l.LabelerID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return storage.ErrDuplicateLabel
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO labels (`+labelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, l.AssignmentID, l.QueueID, l.SampleID, l.LabelerID,
		l.SchemaVersionID, marshal(l.Payload), l.BlobRef, fmtTime(l.SubmittedAt),
		fmtTimePtr(l.DeletedAt))
	if isUniqueViolation(err) {
		// Racing insert on the same pair resolves to the same error the
		// pre-check would have returned.
		if strings.Contains(err.Error(), "assignment") {
			return storage.ErrDuplicateLabel
		}
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) CreateLabel(ctx context.Context, l *types.Label) error {
	return createLabel(ctx, s.db, s.clk, l)
}

func scanLabel(row interface{ Scan(...any) error }) (*types.Label, error) {
	var (
		l           types.Label
		payload     string
		submittedAt string
		deletedAt   sql.NullString
	)
	err := row.Scan(&l.ID, &l.TenantID, &l.AssignmentID, &l.QueueID, &l.SampleID,
		&l.LabelerID, &l.SchemaVersionID, &payload, &l.BlobRef, &submittedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &l.Payload); err != nil {
		return nil, fmt.Errorf("decode label payload %s: %w", l.ID, err)
	}
	l.SubmittedAt = parseTime(submittedAt)
	l.DeletedAt = parseTimePtr(deletedAt)
	return &l, nil
}

func (s *Store) GetLabel(ctx context.Context, tenantID, id string) (*types.Label, error) {
	l, err := scanLabel(s.db.QueryRowContext(ctx,
		`SELECT `+labelColumns+` FROM labels WHERE id = ? AND tenant_id = ?`,
		id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return l, err
}

func listLabels(ctx context.Context, q querier, tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	query := `SELECT ` + labelColumns + ` FROM labels WHERE tenant_id = ?`
	args := []any{tenantID}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.QueueID != "" {
		query += ` AND queue_id = ?`
		args = append(args, filter.QueueID)
	}
	if filter.SampleID != "" {
		query += ` AND sample_id = ?`
		args = append(args, filter.SampleID)
	}
	if filter.LabelerID != "" {
		query += ` AND labeler_id = ?`
		args = append(args, filter.LabelerID)
	}
	if filter.SchemaVersionID != "" {
		query += ` AND schema_version_id = ?`
		args = append(args, filter.SchemaVersionID)
	}
	// Deterministic export ordering.
	query += ` ORDER BY sample_id, labeler_id, submitted_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// Both dialects require a LIMIT clause before OFFSET.
		query += ` LIMIT 9223372036854775807`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListLabels(ctx context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	return listLabels(ctx, s.db, tenantID, filter)
}

func (s *Store) SampleLabelCounts(ctx context.Context, tenantID, queueID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sample_id, COUNT(*) FROM labels
		 WHERE tenant_id = ? AND queue_id = ? AND deleted_at IS NULL
		 GROUP BY sample_id`, tenantID, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var sampleID string
		var n int
		if err := rows.Scan(&sampleID, &n); err != nil {
			return nil, err
		}
		counts[sampleID] = n
	}
	return counts, rows.Err()
}

func (s *Store) SamplesLabeledBy(ctx context.Context, tenantID, queueID, labelerID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT sample_id FROM labels
		 WHERE tenant_id = ? AND queue_id = ? AND labeler_id = ? AND deleted_at IS NULL`,
		tenantID, queueID, labelerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]bool)
	for rows.Next() {
		var sampleID string
		if err := rows.Scan(&sampleID); err != nil {
			return nil, err
		}
		seen[sampleID] = true
	}
	return seen, rows.Err()
}

func (s *Store) SamplesWithMinLabels(ctx context.Context, tenantID, queueID string, min int) ([]string, error) {
	query := `SELECT sample_id FROM labels WHERE tenant_id = ? AND deleted_at IS NULL`
	args := []any{tenantID}
	if queueID != "" {
		query += ` AND queue_id = ?`
		args = append(args, queueID)
	}
	query += ` GROUP BY sample_id HAVING COUNT(*) >= ? ORDER BY sample_id`
	args = append(args, min)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sampleID string
		if err := rows.Scan(&sampleID); err != nil {
			return nil, err
		}
		out = append(out, sampleID)
	}
	return out, rows.Err()
}

func updateLabelPayload(ctx context.Context, q querier, tenantID, labelID string, payload map[string]any) error {
	res, err := q.ExecContext(ctx,
		`UPDATE labels SET payload = ? WHERE id = ? AND tenant_id = ?`,
		marshal(payload), labelID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateLabelPayload(ctx context.Context, tenantID, labelID string, payload map[string]any) error {
	return updateLabelPayload(ctx, s.db, tenantID, labelID, payload)
}

func (s *Store) SoftDeleteLabel(ctx context.Context, tenantID, labelID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE labels SET payload = 'null', deleted_at = ? WHERE id = ? AND tenant_id = ?`,
		fmtTime(at), labelID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) HardDeleteLabel(ctx context.Context, tenantID, labelID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM labels WHERE id = ? AND tenant_id = ?`, labelID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Audit log ---

func appendAudit(ctx context.Context, q querier, clk clock.Clock, e *types.AuditEntry) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = clk.Now()
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (tenant_id, entity_type, entity_id, action, actor, metadata, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.EntityType, e.EntityID, string(e.Action), e.Actor,
		marshal(e.Metadata), fmtTime(e.OccurredAt))
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	return appendAudit(ctx, s.db, s.clk, e)
}

func (s *Store) ListAudit(ctx context.Context, tenantID, entityID string, limit int) ([]*types.AuditEntry, error) {
	query := `SELECT id, tenant_id, entity_type, entity_id, action, actor, metadata, occurred_at
		 FROM audit_log WHERE tenant_id = ?`
	args := []any{tenantID}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	// Newest last; a limit keeps the most recent entries.
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.AuditEntry
	for rows.Next() {
		var (
			e          types.AuditEntry
			metadata   string
			occurredAt string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EntityType, &e.EntityID,
			&e.Action, &e.Actor, &metadata, &occurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata %d: %w", e.ID, err)
		}
		e.OccurredAt = parseTime(occurredAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to ascending id order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE occurred_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
