// Package types defines core data structures for the labeld queue service.
//
// Every stored entity carries a TenantID. Identifiers are opaque strings and
// equality is byte-wise; nothing outside idgen knows their structure.
package types

import (
	"fmt"
	"time"
)

// FieldType enumerates the value types a schema field can declare.
type FieldType string

// Schema field type constants
const (
	FieldText        FieldType = "text"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiselect"
	FieldRange       FieldType = "range"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldDate        FieldType = "date"
	FieldDateTime    FieldType = "datetime"
)

// IsValid checks if the field type value is valid
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldSelect, FieldMultiSelect, FieldRange,
		FieldNumber, FieldBoolean, FieldDate, FieldDateTime:
		return true
	}
	return false
}

// PIILevel classifies how likely a field is to contain personal data.
type PIILevel string

// PII level constants
const (
	PIINone     PIILevel = "none"
	PIIPossible PIILevel = "possible"
	PIILikely   PIILevel = "likely"
	PIIDefinite PIILevel = "definite"
)

// IsPII returns true for any level above none.
func (p PIILevel) IsPII() bool {
	return p == PIIPossible || p == PIILikely || p == PIIDefinite
}

// RedactionPolicy names the transformation applied to a field value when
// it is redacted for export or retention.
type RedactionPolicy string

// Redaction policy constants
const (
	RedactPreserve RedactionPolicy = "preserve"
	RedactStrip    RedactionPolicy = "strip"
	RedactTruncate RedactionPolicy = "truncate"
	RedactHash     RedactionPolicy = "hash"
	RedactRegex    RedactionPolicy = "regex_redact"
)

// FieldMeta is free-form per-field metadata. PII level and retention drive
// the redaction and retention subsystems.
type FieldMeta struct {
	PII           PIILevel          `json:"pii,omitempty"`
	RetentionDays int               `json:"retention_days,omitempty"` // 0 = indefinite
	Redaction     RedactionPolicy   `json:"redaction_policy,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Indefinite reports whether the field has no retention cutoff.
func (m FieldMeta) Indefinite() bool { return m.RetentionDays <= 0 }

// Field is one entry in a schema's ordered field list.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Min      *float64  `json:"min,omitempty"`     // range/number lower bound
	Max      *float64  `json:"max,omitempty"`     // range/number upper bound
	Options  []string  `json:"options,omitempty"` // select/multiselect allowed values
	Pattern  string    `json:"pattern,omitempty"` // text regex
	Default  any       `json:"default,omitempty"`
	Meta     FieldMeta `json:"meta,omitempty"`
}

// HasOption returns true if v is an element of the field's allowed-values set.
func (f *Field) HasOption(v string) bool {
	for _, o := range f.Options {
		if o == v {
			return true
		}
	}
	return false
}

// Schema defines the shape of a label payload.
type Schema struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Fields    []Field   `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldByName returns the named field, or nil.
func (s *Schema) FieldByName(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// Validate checks structural validity of the schema definition itself.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema must declare at least one field")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field name is required")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field name: %s", f.Name)
		}
		seen[f.Name] = true
		if !f.Type.IsValid() {
			return fmt.Errorf("field %s: invalid type: %s", f.Name, f.Type)
		}
		if (f.Type == FieldSelect || f.Type == FieldMultiSelect) && len(f.Options) == 0 {
			return fmt.Errorf("field %s: %s requires options", f.Name, f.Type)
		}
	}
	return nil
}

// SchemaVersion is an immutable-once-used snapshot of a schema bound to a
// queue. Mutable iff FrozenAt is nil and LabelCount is zero; the first
// successfully submitted label freezes it forever.
type SchemaVersion struct {
	ID                    string     `json:"id"`
	TenantID              string     `json:"tenant_id"`
	QueueID               string     `json:"queue_id"`
	Version               int        `json:"version"` // monotonically increasing, >= 1
	Definition            Schema     `json:"definition"`
	TransformFromPrevious string     `json:"transform_from_previous,omitempty"` // registered migration name
	FrozenAt              *time.Time `json:"frozen_at,omitempty"`
	LabelCount            int        `json:"label_count"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Mutable reports whether the version may still be edited.
func (v *SchemaVersion) Mutable() bool {
	return v.FrozenAt == nil && v.LabelCount == 0
}

// QueueStatus represents the lifecycle state of a queue.
type QueueStatus string

// Queue status constants
const (
	QueueActive   QueueStatus = "active"
	QueuePaused   QueueStatus = "paused"
	QueueArchived QueueStatus = "archived"
)

// IsValid checks if the queue status value is valid
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueActive, QueuePaused, QueueArchived:
		return true
	}
	return false
}

// PolicyConfig selects and parameterizes the queue's assignment policy.
type PolicyConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Queue is the unit of work distribution. Name is unique within a tenant.
type Queue struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Name            string       `json:"name"`
	SchemaVersionID string       `json:"schema_version_id"`
	Policy          PolicyConfig `json:"policy"`
	Status          QueueStatus  `json:"status"`
	LabelsPerSample int          `json:"labels_per_sample"` // redundancy target k
	TimeoutSeconds  int          `json:"timeout_seconds"`   // reservation deadline
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// DefaultTimeoutSeconds is applied when a queue does not configure one.
const DefaultTimeoutSeconds = 1800

// Timeout returns the queue's reservation timeout in seconds, falling
// back to DefaultTimeoutSeconds.
func (q *Queue) Timeout() int {
	if q.TimeoutSeconds > 0 {
		return q.TimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

// SampleRef points at a sample whose canonical content lives in the
// external sample store (the forge). Only the reference plus local
// metadata is persisted here.
type SampleRef struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	QueueID   string            `json:"queue_id"`
	SampleID  string            `json:"sample_id"` // id in the external store
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Difficulty returns the sample's difficulty as a 0..1 weight.
// Accepts the named levels easy/medium/hard or a numeric string.
func (s *SampleRef) Difficulty() float64 {
	switch s.Metadata["difficulty"] {
	case "easy":
		return 0.3
	case "medium":
		return 0.5
	case "hard":
		return 0.8
	case "":
		return 0.5
	}
	var v float64
	if _, err := fmt.Sscanf(s.Metadata["difficulty"], "%f", &v); err == nil {
		return v
	}
	return 0.5
}

// Labeler is the identity submitting annotations. ExternalID is unique
// within the tenant; Pseudonym is the HMAC-derived export replacement.
type Labeler struct {
	ID                       string             `json:"id"`
	TenantID                 string             `json:"tenant_id"`
	ExternalID               string             `json:"external_id"`
	Pseudonym                string             `json:"pseudonym,omitempty"`
	Expertise                map[string]float64 `json:"expertise,omitempty"` // weight by domain
	BlockedQueues            []string           `json:"blocked_queues,omitempty"`
	MaxConcurrentAssignments int                `json:"max_concurrent_assignments"`
	CreatedAt                time.Time          `json:"created_at"`
}

// BlockedFrom returns true if the labeler may not take work from queueID.
func (l *Labeler) BlockedFrom(queueID string) bool {
	for _, q := range l.BlockedQueues {
		if q == queueID {
			return true
		}
	}
	return false
}

// ExpertiseFor returns the labeler's expertise weight for a domain,
// falling back to the "default" domain, then 0.
func (l *Labeler) ExpertiseFor(domain string) float64 {
	if w, ok := l.Expertise[domain]; ok {
		return w
	}
	return l.Expertise["default"]
}

// AssignmentStatus represents the current state of an assignment lease.
type AssignmentStatus string

// Assignment status constants.
// Machine: pending -> reserved -> {completed | timed_out | skipped};
// timed_out -> requeued -> reserved. Terminal: completed, skipped.
const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentReserved  AssignmentStatus = "reserved"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentTimedOut  AssignmentStatus = "timed_out"
	AssignmentSkipped   AssignmentStatus = "skipped"
	AssignmentRequeued  AssignmentStatus = "requeued"
)

// IsValid checks if the assignment status value is valid
func (s AssignmentStatus) IsValid() bool {
	switch s {
	case AssignmentPending, AssignmentReserved, AssignmentCompleted,
		AssignmentTimedOut, AssignmentSkipped, AssignmentRequeued:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentSkipped
}

// CanTransition reports whether the status machine permits s -> to.
func (s AssignmentStatus) CanTransition(to AssignmentStatus) bool {
	switch s {
	case AssignmentPending:
		return to == AssignmentReserved
	case AssignmentReserved:
		return to == AssignmentCompleted || to == AssignmentTimedOut || to == AssignmentSkipped
	case AssignmentTimedOut:
		return to == AssignmentRequeued
	case AssignmentRequeued:
		return to == AssignmentReserved
	}
	return false
}

// Assignment is a lease of one sample to one labeler for a bounded time.
// Version is the optimistic-locking counter; every successful update
// increments it and a conflicting update fails with stale_version.
type Assignment struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	QueueID           string           `json:"queue_id"`
	SampleID          string           `json:"sample_id"`
	LabelerID         string           `json:"labeler_id,omitempty"` // empty while pending
	Status            AssignmentStatus `json:"status"`
	ReservedAt        *time.Time       `json:"reserved_at,omitempty"`
	Deadline          *time.Time       `json:"deadline,omitempty"`
	TimeoutSeconds    int              `json:"timeout_seconds"`
	RequeueAttempts   int              `json:"requeue_attempts"`
	RequeueDelayUntil *time.Time       `json:"requeue_delay_until,omitempty"`
	SkipReason        string           `json:"skip_reason,omitempty"`
	Version           int              `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Expired reports whether a reserved assignment's deadline has passed.
func (a *Assignment) Expired(now time.Time) bool {
	return a.Status == AssignmentReserved && a.Deadline != nil && a.Deadline.Before(now)
}

// Label is one annotator's answer for one assignment. At most one label
// exists per (assignment, labeler). Immutable after creation except for
// retention-driven redaction.
type Label struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AssignmentID    string         `json:"assignment_id"`
	QueueID         string         `json:"queue_id"`
	SampleID        string         `json:"sample_id"`
	LabelerID       string         `json:"labeler_id"`
	SchemaVersionID string         `json:"schema_version_id"`
	Payload         map[string]any `json:"payload"`
	BlobRef         string         `json:"blob_ref,omitempty"` // pointer to out-of-band content
	SubmittedAt     time.Time      `json:"submitted_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"` // soft-delete tombstone
}

// Deleted reports whether the label has been soft-deleted.
func (l *Label) Deleted() bool { return l.DeletedAt != nil }

// AuditAction categorizes audit log entries.
type AuditAction string

// Audit action constants
const (
	AuditCreated  AuditAction = "created"
	AuditUpdated  AuditAction = "updated"
	AuditDeleted  AuditAction = "deleted"
	AuditAccessed AuditAction = "accessed"
)

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	ID         int64             `json:"id"`
	TenantID   string            `json:"tenant_id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     AuditAction       `json:"action"`
	Actor      string            `json:"actor"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// QueueStats summarizes queue progress.
type QueueStats struct {
	TotalAssignments int `json:"total_assignments"`
	Labeled          int `json:"labeled"`
	Remaining        int `json:"remaining"` // max(total - labeled, 0)
}

// AssignmentFilter narrows assignment queries.
type AssignmentFilter struct {
	QueueID   string
	SampleID  string
	LabelerID string
	Status    AssignmentStatus
	Limit     int
}

// LabelFilter narrows label queries. Results are always ordered by
// (sample_id, labeler_id, submitted_at) ascending so export output is
// deterministic.
type LabelFilter struct {
	QueueID         string
	SampleID        string
	LabelerID       string
	SchemaVersionID string
	IncludeDeleted  bool
	Limit           int
	Offset          int
}
