package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/types"
)

// Transform rewrites a payload from one schema version's shape to the
// next. Transforms must not mutate their input.
type Transform func(payload map[string]any) (map[string]any, error)

// Migration is a registered forward transform between two schema versions
// of the same queue.
type Migration struct {
	Name      string
	Transform Transform
}

// ErrUnknownMigration is returned when running a migration name that was
// never registered.
var ErrUnknownMigration = errors.New("unknown migration")

// Registry holds named migrations. Registration normally happens at
// startup; lookups are concurrent.
type Registry struct {
	mu         sync.RWMutex
	migrations map[string]Migration
}

// NewRegistry returns an empty migration registry.
func NewRegistry() *Registry {
	return &Registry{migrations: make(map[string]Migration)}
}

// Register adds a migration, replacing any previous one with the same
// name.
func (r *Registry) Register(m Migration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrations[m.Name] = m
}

// Lookup returns the named migration.
func (r *Registry) Lookup(name string) (Migration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.migrations[name]
	if !ok {
		return Migration{}, fmt.Errorf("%w: %s", ErrUnknownMigration, name)
	}
	return m, nil
}

// Names lists registered migration names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.migrations))
	for n := range r.migrations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Report summarizes a migration run.
type Report struct {
	Migrated int      `json:"migrated"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
	DryRun   bool     `json:"dry_run"`
}

const defaultMigrationBatch = 100

// Migrator applies registered transforms to stored labels in batches.
type Migrator struct {
	store     storage.Store
	registry  *Registry
	batchSize int
}

// NewMigrator returns a migrator reading and writing through store.
func NewMigrator(store storage.Store, registry *Registry) *Migrator {
	return &Migrator{store: store, registry: registry, batchSize: defaultMigrationBatch}
}

// RunOptions scope a migration run to one queue and source version.
type RunOptions struct {
	TenantID      string
	QueueID       string
	FromVersionID string
	ToVersionID   string
	Migration     string
	DryRun        bool
}

// Run transforms every label on the source version with the named
// migration, validates the result against the target version's schema,
// and writes the new payload. Failures are recorded per label and do not
// stop the run. DryRun counts without writing.
func (m *Migrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	mig, err := m.registry.Lookup(opts.Migration)
	if err != nil {
		return nil, err
	}
	target, err := m.store.GetSchemaVersion(ctx, opts.TenantID, opts.ToVersionID)
	if err != nil {
		return nil, fmt.Errorf("load target schema version: %w", err)
	}

	report := &Report{DryRun: opts.DryRun}
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := m.store.ListLabels(ctx, opts.TenantID, types.LabelFilter{
			QueueID:         opts.QueueID,
			SchemaVersionID: opts.FromVersionID,
			Limit:           m.batchSize,
			Offset:          offset,
		})
		if err != nil {
			return report, fmt.Errorf("list labels: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		offset += len(batch)

		for _, l := range batch {
			migrated, err := mig.Transform(l.Payload)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: transform: %v", l.ID, err))
				continue
			}
			if err := ValidatePayload(&target.Definition, migrated); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", l.ID, err))
				continue
			}
			if !opts.DryRun {
				if err := m.store.UpdateLabelPayload(ctx, opts.TenantID, l.ID, migrated); err != nil {
					report.Failed++
					report.Errors = append(report.Errors, fmt.Sprintf("%s: write: %v", l.ID, err))
					continue
				}
			}
			report.Migrated++
		}
	}
	return report, nil
}
