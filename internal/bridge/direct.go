package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ContentStore is the in-process sample source the Direct bridge reads
// from. Implementations return ErrNotFound for unknown ids.
type ContentStore interface {
	GetSample(ctx context.Context, id string) (*SampleDTO, error)
}

// Direct queries a ContentStore without any network hop. Store failures
// other than a missing sample surface as ErrForgeUnavailable.
type Direct struct {
	store ContentStore
}

// NewDirect returns a bridge over the given content store.
func NewDirect(store ContentStore) *Direct {
	return &Direct{store: store}
}

func (d *Direct) FetchSample(ctx context.Context, id string, _ FetchOpts) (*SampleDTO, error) {
	dto, err := d.store.GetSample(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrForgeUnavailable, err)
	}
	if err := dto.Validate(); err != nil {
		return nil, err
	}
	return dto, nil
}

func (d *Direct) FetchSamples(ctx context.Context, ids []string, opts FetchOpts) ([]*SampleDTO, error) {
	out := make([]*SampleDTO, 0, len(ids))
	for _, id := range ids {
		dto, err := d.FetchSample(ctx, id, opts)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", id, err)
		}
		out = append(out, dto)
	}
	return out, nil
}

func (d *Direct) VerifyExists(ctx context.Context, id string) (bool, error) {
	_, err := d.FetchSample(ctx, id, FetchOpts{})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Direct) FetchVersion(ctx context.Context, id string) (string, error) {
	dto, err := d.FetchSample(ctx, id, FetchOpts{})
	if err != nil {
		return "", err
	}
	return dto.Version, nil
}
