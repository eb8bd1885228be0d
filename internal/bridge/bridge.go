// Package bridge fetches sample content from the external sample store
// (the forge). Three variants implement SampleBridge: Direct queries an
// in-process store, HTTP calls the forge API behind a circuit breaker,
// and Cached layers a TTL cache over either.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bridge errors.
var (
	ErrNotFound          = errors.New("sample not found")
	ErrForgeUnavailable  = errors.New("forge unavailable")
	ErrInvalidSampleData = errors.New("invalid sample data")
)

// SampleDTO is the wire shape of a sample. ID, Content, and Version are
// required; everything else is optional.
type SampleDTO struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Version   string            `json:"version"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	AssetURLs []string          `json:"asset_urls,omitempty"`
	Source    string            `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// Validate checks the required DTO fields.
func (s *SampleDTO) Validate() error {
	var missing []string
	if s.ID == "" {
		missing = append(missing, "id")
	}
	if s.Content == "" {
		missing = append(missing, "content")
	}
	if s.Version == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSampleData, strings.Join(missing, ", "))
	}
	return nil
}

// FetchOpts tune a single fetch.
type FetchOpts struct {
	// BypassCache forces a fetch from the primary even on a cache hit.
	// Only the Cached variant honors it.
	BypassCache bool
}

// SampleBridge is the access contract for sample content.
type SampleBridge interface {
	FetchSample(ctx context.Context, id string, opts FetchOpts) (*SampleDTO, error)
	FetchSamples(ctx context.Context, ids []string, opts FetchOpts) ([]*SampleDTO, error)
	VerifyExists(ctx context.Context, id string) (bool, error)
	FetchVersion(ctx context.Context, id string) (string, error)
}
