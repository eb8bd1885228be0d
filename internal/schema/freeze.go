package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
)

// ErrAlreadyFrozen is returned by Freeze when the version has a frozen_at
// timestamp already.
var ErrAlreadyFrozen = errors.New("schema version is already frozen")

// Freeze explicitly freezes a schema version, making it immutable. Unlike
// the first-write path, freezing an already-frozen version is an error
// here so operators notice redundant freeze calls.
func Freeze(ctx context.Context, store storage.Store, clk clock.Clock, tenantID, versionID string) error {
	v, err := store.GetSchemaVersion(ctx, tenantID, versionID)
	if err != nil {
		return fmt.Errorf("load schema version: %w", err)
	}
	if v.FrozenAt != nil {
		return ErrAlreadyFrozen
	}
	now := clk.Now()
	v.FrozenAt = &now
	if err := store.UpdateSchemaVersion(ctx, v); err != nil {
		return fmt.Errorf("freeze schema version: %w", err)
	}
	return nil
}
