package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	httpTimeout = 5 * time.Second

	// Breaker tuning: 5 failures inside a 10 second window open the
	// breaker for 30 seconds, after which it half-closes.
	breakerWindow    = 10 * time.Second
	breakerOpenFor   = 30 * time.Second
	breakerThreshold = 5
)

// HTTP fetches samples from the forge API (GET /api/samples/:id) with a
// bearer token. All calls go through a circuit breaker; while the breaker
// is open, requests fail fast with ErrForgeUnavailable.
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTP returns a bridge for the forge at baseURL. A nil client gets a
// 5 second timeout client.
func NewHTTP(baseURL, token string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "forge",
		Interval: breakerWindow,
		Timeout:  breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= breakerThreshold
		},
	})
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		breaker: cb,
	}
}

// fetchResult carries not-found and malformed-payload outcomes through
// the breaker without counting them as failures; both are answers from a
// live forge, not outages.
type fetchResult struct {
	dto      *SampleDTO
	notFound bool
	invalid  error
}

func (h *HTTP) FetchSample(ctx context.Context, id string, _ FetchOpts) (*SampleDTO, error) {
	res, err := h.breaker.Execute(func() (any, error) {
		return h.doFetch(ctx, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrForgeUnavailable)
		}
		return nil, err
	}
	r := res.(*fetchResult)
	switch {
	case r.notFound:
		return nil, fmt.Errorf("sample %s: %w", id, ErrNotFound)
	case r.invalid != nil:
		return nil, r.invalid
	}
	return r.dto, nil
}

func (h *HTTP) doFetch(ctx context.Context, id string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/samples/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForgeUnavailable, err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForgeUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &fetchResult{notFound: true}, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: forge returned %d: %s", ErrForgeUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dto SampleDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return &fetchResult{invalid: fmt.Errorf("%w: decode: %v", ErrInvalidSampleData, err)}, nil
	}
	if err := dto.Validate(); err != nil {
		return &fetchResult{invalid: err}, nil
	}
	return &fetchResult{dto: &dto}, nil
}

func (h *HTTP) FetchSamples(ctx context.Context, ids []string, opts FetchOpts) ([]*SampleDTO, error) {
	out := make([]*SampleDTO, 0, len(ids))
	for _, id := range ids {
		dto, err := h.FetchSample(ctx, id, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, dto)
	}
	return out, nil
}

func (h *HTTP) VerifyExists(ctx context.Context, id string) (bool, error) {
	_, err := h.FetchSample(ctx, id, FetchOpts{})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *HTTP) FetchVersion(ctx context.Context, id string) (string, error) {
	dto, err := h.FetchSample(ctx, id, FetchOpts{})
	if err != nil {
		return "", err
	}
	return dto.Version, nil
}
