// Package memory implements the storage contract with in-process maps.
//
// It is the backend used by the test suite and by dev mode. All reads
// return deep copies so callers can never mutate stored state, and all
// reads are tenant-scoped: a record under another tenant is reported as
// absent.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu  sync.RWMutex
	clk clock.Clock

	schemas     map[string]*types.Schema
	versions    map[string]*types.SchemaVersion
	queues      map[string]*types.Queue
	samples     map[string]*types.SampleRef
	labelers    map[string]*types.Labeler
	assignments map[string]*types.Assignment
	labels      map[string]*types.Label
	labelKeys   map[string]string // assignmentID \x00 labelerID -> label id
	audit       []*types.AuditEntry
	auditSeq    int64
}

// New creates an empty in-memory store. A nil clock defaults to the
// system clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System
	}
	return &Store{
		clk:         clk,
		schemas:     make(map[string]*types.Schema),
		versions:    make(map[string]*types.SchemaVersion),
		queues:      make(map[string]*types.Queue),
		samples:     make(map[string]*types.SampleRef),
		labelers:    make(map[string]*types.Labeler),
		assignments: make(map[string]*types.Assignment),
		labels:      make(map[string]*types.Label),
		labelKeys:   make(map[string]string),
	}
}

var _ storage.Store = (*Store)(nil)

func labelKey(assignmentID, labelerID string) string {
	return assignmentID + "\x00" + labelerID
}

// --- Schemas ---

func (s *Store) CreateSchema(_ context.Context, schema *types.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schemas[schema.ID]; ok {
		return storage.ErrDuplicate
	}
	now := s.clk.Now()
	schema.CreatedAt = now
	schema.UpdatedAt = now
	s.schemas[schema.ID] = cloneSchema(schema)
	return nil
}

func (s *Store) GetSchema(_ context.Context, tenantID, id string) (*types.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[id]
	if !ok || sc.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneSchema(sc), nil
}

// --- Schema versions ---

func (s *Store) CreateSchemaVersion(_ context.Context, v *types.SchemaVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; ok {
		return storage.ErrDuplicate
	}
	v.CreatedAt = s.clk.Now()
	s.versions[v.ID] = cloneVersion(v)
	return nil
}

func (s *Store) GetSchemaVersion(_ context.Context, tenantID, id string) (*types.SchemaVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSchemaVersionLocked(tenantID, id)
}

func (s *Store) getSchemaVersionLocked(tenantID, id string) (*types.SchemaVersion, error) {
	v, ok := s.versions[id]
	if !ok || v.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneVersion(v), nil
}

func (s *Store) UpdateSchemaVersion(_ context.Context, v *types.SchemaVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.versions[v.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.TenantID != v.TenantID {
		return storage.ErrTenantMismatch
	}
	if !cur.Mutable() {
		return storage.ErrFrozen
	}
	s.versions[v.ID] = cloneVersion(v)
	return nil
}

func (s *Store) freezeSchemaVersionLocked(tenantID, id string, at time.Time) error {
	v, ok := s.versions[id]
	if !ok || v.TenantID != tenantID {
		return storage.ErrNotFound
	}
	if v.FrozenAt == nil {
		t := at
		v.FrozenAt = &t
	}
	v.LabelCount++
	return nil
}

// --- Queues ---

func (s *Store) CreateQueue(_ context.Context, q *types.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[q.ID]; ok {
		return storage.ErrDuplicate
	}
	for _, other := range s.queues {
		if other.TenantID == q.TenantID && other.Name == q.Name {
			return storage.ErrDuplicate
		}
	}
	now := s.clk.Now()
	q.CreatedAt = now
	q.UpdatedAt = now
	s.queues[q.ID] = cloneQueue(q)
	return nil
}

func (s *Store) GetQueue(_ context.Context, tenantID, id string) (*types.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[id]
	if !ok || q.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneQueue(q), nil
}

func (s *Store) UpdateQueue(_ context.Context, q *types.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.queues[q.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.TenantID != q.TenantID {
		return storage.ErrTenantMismatch
	}
	q.UpdatedAt = s.clk.Now()
	q.CreatedAt = cur.CreatedAt
	s.queues[q.ID] = cloneQueue(q)
	return nil
}

func (s *Store) QueueStats(_ context.Context, tenantID, queueID string) (*types.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queueID]
	if !ok || q.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	stats := &types.QueueStats{}
	for _, a := range s.assignments {
		if a.QueueID != queueID {
			continue
		}
		stats.TotalAssignments++
		if a.Status == types.AssignmentCompleted {
			stats.Labeled++
		}
	}
	stats.Remaining = stats.TotalAssignments - stats.Labeled
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return stats, nil
}

// --- Sample refs ---

func (s *Store) CreateSampleRef(_ context.Context, ref *types.SampleRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[ref.ID]; ok {
		return storage.ErrDuplicate
	}
	ref.CreatedAt = s.clk.Now()
	s.samples[ref.ID] = cloneSample(ref)
	return nil
}

func (s *Store) GetSampleRef(_ context.Context, tenantID, id string) (*types.SampleRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.samples[id]
	if !ok || ref.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneSample(ref), nil
}

func (s *Store) ListQueueSamples(_ context.Context, tenantID, queueID string) ([]*types.SampleRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.SampleRef
	for _, ref := range s.samples {
		if ref.TenantID == tenantID && ref.QueueID == queueID {
			out = append(out, cloneSample(ref))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampleID < out[j].SampleID })
	return out, nil
}

// --- Labelers ---

func (s *Store) CreateLabeler(_ context.Context, l *types.Labeler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.labelers[l.ID]; ok {
		return storage.ErrDuplicate
	}
	for _, other := range s.labelers {
		if other.TenantID == l.TenantID && other.ExternalID == l.ExternalID {
			return storage.ErrDuplicate
		}
	}
	l.CreatedAt = s.clk.Now()
	s.labelers[l.ID] = cloneLabeler(l)
	return nil
}

func (s *Store) GetLabeler(_ context.Context, tenantID, id string) (*types.Labeler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.labelers[id]
	if !ok || l.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneLabeler(l), nil
}

func (s *Store) GetLabelerByExternalID(_ context.Context, tenantID, externalID string) (*types.Labeler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.labelers {
		if l.TenantID == tenantID && l.ExternalID == externalID {
			return cloneLabeler(l), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) UpdateLabeler(_ context.Context, l *types.Labeler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.labelers[l.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.TenantID != l.TenantID {
		return storage.ErrTenantMismatch
	}
	l.CreatedAt = cur.CreatedAt
	s.labelers[l.ID] = cloneLabeler(l)
	return nil
}

func (s *Store) ListLabelers(_ context.Context, tenantID string) ([]*types.Labeler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Labeler
	for _, l := range s.labelers {
		if l.TenantID == tenantID {
			out = append(out, cloneLabeler(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Assignments ---

func (s *Store) CreateAssignment(_ context.Context, a *types.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAssignmentLocked(a)
}

func (s *Store) createAssignmentLocked(a *types.Assignment) error {
	if _, ok := s.assignments[a.ID]; ok {
		return storage.ErrDuplicate
	}
	if a.Version == 0 {
		a.Version = 1
	}
	now := s.clk.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.assignments[a.ID] = cloneAssignment(a)
	return nil
}

func (s *Store) GetAssignment(_ context.Context, tenantID, id string) (*types.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAssignmentLocked(tenantID, id)
}

func (s *Store) getAssignmentLocked(tenantID, id string) (*types.Assignment, error) {
	a, ok := s.assignments[id]
	if !ok || a.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *Store) UpdateAssignment(_ context.Context, a *types.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAssignmentLocked(a)
}

func (s *Store) updateAssignmentLocked(a *types.Assignment) error {
	cur, ok := s.assignments[a.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.TenantID != a.TenantID {
		return storage.ErrTenantMismatch
	}
	if cur.Version != a.Version {
		return storage.ErrStaleVersion
	}
	a.Version = cur.Version + 1
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = s.clk.Now()
	s.assignments[a.ID] = cloneAssignment(a)
	return nil
}

func (s *Store) ListAssignments(_ context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAssignmentsLocked(tenantID, filter)
}

func (s *Store) listAssignmentsLocked(tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	var out []*types.Assignment
	for _, a := range s.assignments {
		if a.TenantID != tenantID {
			continue
		}
		if filter.QueueID != "" && a.QueueID != filter.QueueID {
			continue
		}
		if filter.SampleID != "" && a.SampleID != filter.SampleID {
			continue
		}
		if filter.LabelerID != "" && a.LabelerID != filter.LabelerID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, cloneAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SampleID != out[j].SampleID {
			return out[i].SampleID < out[j].SampleID
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountActiveAssignments(_ context.Context, tenantID, labelerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.assignments {
		if a.TenantID == tenantID && a.LabelerID == labelerID && a.Status == types.AssignmentReserved {
			n++
		}
	}
	return n, nil
}

func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]*types.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Assignment
	for _, a := range s.assignments {
		if a.Expired(now) {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Labels ---

func (s *Store) CreateLabel(_ context.Context, l *types.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLabelLocked(l)
}

func (s *Store) createLabelLocked(l *types.Label) error {
	if _, ok := s.labels[l.ID]; ok {
		return storage.ErrDuplicate
	}
	key := labelKey(l.AssignmentID, l.LabelerID)
	if _, ok := s.labelKeys[key]; ok {
		return storage.ErrDuplicateLabel
	}
	if l.SubmittedAt.IsZero() {
		l.SubmittedAt = s.clk.Now()
	}
	s.labels[l.ID] = cloneLabel(l)
	s.labelKeys[key] = l.ID
	return nil
}

func (s *Store) GetLabel(_ context.Context, tenantID, id string) (*types.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.labels[id]
	if !ok || l.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return cloneLabel(l), nil
}

func (s *Store) ListLabels(_ context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLabelsLocked(tenantID, filter)
}

func (s *Store) listLabelsLocked(tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	var out []*types.Label
	for _, l := range s.labels {
		if l.TenantID != tenantID {
			continue
		}
		if !filter.IncludeDeleted && l.Deleted() {
			continue
		}
		if filter.QueueID != "" && l.QueueID != filter.QueueID {
			continue
		}
		if filter.SampleID != "" && l.SampleID != filter.SampleID {
			continue
		}
		if filter.LabelerID != "" && l.LabelerID != filter.LabelerID {
			continue
		}
		if filter.SchemaVersionID != "" && l.SchemaVersionID != filter.SchemaVersionID {
			continue
		}
		out = append(out, cloneLabel(l))
	}
	// Deterministic export ordering: (sample_id, labeler_id, submitted_at).
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].SampleID, out[j].SampleID); c != 0 {
			return c < 0
		}
		if c := strings.Compare(out[i].LabelerID, out[j].LabelerID); c != 0 {
			return c < 0
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SampleLabelCounts(_ context.Context, tenantID, queueID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, l := range s.labels {
		if l.TenantID == tenantID && l.QueueID == queueID && !l.Deleted() {
			counts[l.SampleID]++
		}
	}
	return counts, nil
}

func (s *Store) SamplesLabeledBy(_ context.Context, tenantID, queueID, labelerID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, l := range s.labels {
		if l.TenantID == tenantID && l.QueueID == queueID && l.LabelerID == labelerID && !l.Deleted() {
			seen[l.SampleID] = true
		}
	}
	return seen, nil
}

func (s *Store) SamplesWithMinLabels(_ context.Context, tenantID, queueID string, min int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, l := range s.labels {
		if l.TenantID != tenantID || l.Deleted() {
			continue
		}
		if queueID != "" && l.QueueID != queueID {
			continue
		}
		counts[l.SampleID]++
	}
	var out []string
	for id, n := range counts {
		if n >= min {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpdateLabelPayload(_ context.Context, tenantID, labelID string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLabelPayloadLocked(tenantID, labelID, payload)
}

func (s *Store) updateLabelPayloadLocked(tenantID, labelID string, payload map[string]any) error {
	l, ok := s.labels[labelID]
	if !ok || l.TenantID != tenantID {
		return storage.ErrNotFound
	}
	l.Payload = clonePayload(payload)
	return nil
}

func (s *Store) SoftDeleteLabel(_ context.Context, tenantID, labelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[labelID]
	if !ok || l.TenantID != tenantID {
		return storage.ErrNotFound
	}
	t := at
	l.DeletedAt = &t
	l.Payload = nil
	return nil
}

func (s *Store) HardDeleteLabel(_ context.Context, tenantID, labelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[labelID]
	if !ok || l.TenantID != tenantID {
		return storage.ErrNotFound
	}
	delete(s.labelKeys, labelKey(l.AssignmentID, l.LabelerID))
	delete(s.labels, labelID)
	return nil
}

// --- Audit ---

func (s *Store) AppendAudit(_ context.Context, e *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(e)
	return nil
}

func (s *Store) appendAuditLocked(e *types.AuditEntry) {
	s.auditSeq++
	e.ID = s.auditSeq
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.clk.Now()
	}
	s.audit = append(s.audit, cloneAudit(e))
}

func (s *Store) ListAudit(_ context.Context, tenantID, entityID string, limit int) ([]*types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.AuditEntry
	for _, e := range s.audit {
		if e.TenantID != tenantID {
			continue
		}
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		out = append(out, cloneAudit(e))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) DeleteAuditBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	deleted := 0
	for _, e := range s.audit {
		if e.OccurredAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return deleted, nil
}

// --- Transactions ---

// RunInTx executes fn under the store's write lock. Mutations are recorded
// in an undo journal; if fn returns an error every mutation is reverted, so
// partial failure leaves no visible state changes.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// memTx journals undo closures for each mutation.
type memTx struct {
	store *Store
	undo  []func()
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetAssignment(_ context.Context, tenantID, id string) (*types.Assignment, error) {
	return t.store.getAssignmentLocked(tenantID, id)
}

func (t *memTx) CreateAssignment(_ context.Context, a *types.Assignment) error {
	id := a.ID
	if err := t.store.createAssignmentLocked(a); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { delete(t.store.assignments, id) })
	return nil
}

func (t *memTx) ListAssignments(_ context.Context, tenantID string, filter types.AssignmentFilter) ([]*types.Assignment, error) {
	return t.store.listAssignmentsLocked(tenantID, filter)
}

func (t *memTx) UpdateAssignment(_ context.Context, a *types.Assignment) error {
	prev, ok := t.store.assignments[a.ID]
	if ok {
		saved := cloneAssignment(prev)
		t.undo = append(t.undo, func() { t.store.assignments[a.ID] = saved })
	}
	return t.store.updateAssignmentLocked(a)
}

func (t *memTx) GetSchemaVersion(_ context.Context, tenantID, id string) (*types.SchemaVersion, error) {
	return t.store.getSchemaVersionLocked(tenantID, id)
}

func (t *memTx) FreezeSchemaVersion(_ context.Context, tenantID, id string, at time.Time) error {
	prev, ok := t.store.versions[id]
	if ok {
		saved := cloneVersion(prev)
		t.undo = append(t.undo, func() { t.store.versions[id] = saved })
	}
	return t.store.freezeSchemaVersionLocked(tenantID, id, at)
}

func (t *memTx) CreateLabel(_ context.Context, l *types.Label) error {
	id := l.ID
	key := labelKey(l.AssignmentID, l.LabelerID)
	if err := t.store.createLabelLocked(l); err != nil {
		return err
	}
	t.undo = append(t.undo, func() {
		delete(t.store.labels, id)
		delete(t.store.labelKeys, key)
	})
	return nil
}

func (t *memTx) ListLabels(_ context.Context, tenantID string, filter types.LabelFilter) ([]*types.Label, error) {
	return t.store.listLabelsLocked(tenantID, filter)
}

func (t *memTx) UpdateLabelPayload(_ context.Context, tenantID, labelID string, payload map[string]any) error {
	prev, ok := t.store.labels[labelID]
	if ok {
		saved := cloneLabel(prev)
		t.undo = append(t.undo, func() { t.store.labels[labelID] = saved })
	}
	return t.store.updateLabelPayloadLocked(tenantID, labelID, payload)
}

func (t *memTx) AppendAudit(_ context.Context, e *types.AuditEntry) error {
	t.store.appendAuditLocked(e)
	t.undo = append(t.undo, func() {
		if n := len(t.store.audit); n > 0 {
			t.store.audit = t.store.audit[:n-1]
		}
	})
	return nil
}
