package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelforge/labeld/internal/clock"
)

func dto(id string) *SampleDTO {
	return &SampleDTO{ID: id, Content: "content of " + id, Version: "v1"}
}

// fakeStore is an in-memory ContentStore with switchable failure mode.
type fakeStore struct {
	mu      sync.Mutex
	samples map[string]*SampleDTO
	fail    bool
	calls   int
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{samples: make(map[string]*SampleDTO)}
	for _, id := range ids {
		s.samples[id] = dto(id)
	}
	return s
}

func (s *fakeStore) GetSample(_ context.Context, id string) (*SampleDTO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return nil, errors.New("backend down")
	}
	d, ok := s.samples[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func TestSampleDTOValidate(t *testing.T) {
	tests := []struct {
		name    string
		dto     SampleDTO
		wantErr string
	}{
		{"valid", SampleDTO{ID: "s1", Content: "x", Version: "v1"}, ""},
		{"missing id", SampleDTO{Content: "x", Version: "v1"}, "id"},
		{"missing content", SampleDTO{ID: "s1", Version: "v1"}, "content"},
		{"missing all", SampleDTO{}, "id, content, version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dto.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidSampleData)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDirectBridge(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("s1", "s2")
	b := NewDirect(store)

	got, err := b.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = b.FetchSample(ctx, "missing", FetchOpts{})
	assert.ErrorIs(t, err, ErrNotFound)

	store.setFail(true)
	_, err = b.FetchSample(ctx, "s1", FetchOpts{})
	assert.ErrorIs(t, err, ErrForgeUnavailable)

	store.setFail(false)
	ok, err := b.VerifyExists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.VerifyExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := b.FetchVersion(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func newForge(t *testing.T, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer forge-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if failing != nil && failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/samples/")
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(dto(id))
	}))
}

func TestHTTPBridgeFetch(t *testing.T) {
	srv := newForge(t, nil)
	defer srv.Close()
	ctx := context.Background()

	b := NewHTTP(srv.URL, "forge-token", srv.Client())
	got, err := b.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "v1", got.Version)

	_, err = b.FetchSample(ctx, "missing", FetchOpts{})
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := b.VerifyExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPBridgeBadToken(t *testing.T) {
	srv := newForge(t, nil)
	defer srv.Close()

	b := NewHTTP(srv.URL, "wrong", srv.Client())
	_, err := b.FetchSample(context.Background(), "s1", FetchOpts{})
	assert.ErrorIs(t, err, ErrForgeUnavailable)
}

func TestHTTPBridgeCircuitBreaker(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := newForge(t, &failing)
	defer srv.Close()
	ctx := context.Background()

	b := NewHTTP(srv.URL, "forge-token", srv.Client())

	// Five failures trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := b.FetchSample(ctx, "s1", FetchOpts{})
		require.ErrorIs(t, err, ErrForgeUnavailable)
	}

	// Breaker is open: requests fail fast without reaching the forge.
	failing.Store(false)
	_, err := b.FetchSample(ctx, "s1", FetchOpts{})
	require.ErrorIs(t, err, ErrForgeUnavailable)
	assert.Contains(t, err.Error(), "circuit open")

	// Not-found responses do not count as breaker failures.
	fresh := NewHTTP(srv.URL, "forge-token", srv.Client())
	for i := 0; i < 10; i++ {
		_, err := fresh.FetchSample(ctx, "missing", FetchOpts{})
		require.ErrorIs(t, err, ErrNotFound)
	}
	got, err := fresh.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestHTTPBridgeInvalidPayloadKeepsBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/api/samples/") {
		case "bad":
			_, _ = w.Write([]byte(`{"id": "bad"}`))
		case "garbage":
			_, _ = w.Write([]byte(`not json`))
		default:
			_ = json.NewEncoder(w).Encode(dto("s1"))
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	b := NewHTTP(srv.URL, "", srv.Client())
	for i := 0; i < 5; i++ {
		_, err := b.FetchSample(ctx, "bad", FetchOpts{})
		require.ErrorIs(t, err, ErrInvalidSampleData)
		_, err = b.FetchSample(ctx, "garbage", FetchOpts{})
		require.ErrorIs(t, err, ErrInvalidSampleData)
	}

	// A live forge serving bad data is not an outage.
	got, err := b.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestCachedHitMiss(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("s1")
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewCached(NewDirect(store), time.Minute, clk)

	_, err := c.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	_, err = c.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, store.calls)
}

func TestCachedTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("s1")
	clk := clock.NewFrozen(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	c := NewCached(NewDirect(store), time.Minute, clk)

	_, err := c.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	_, err = c.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestCachedBypass(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("s1")
	c := NewCached(NewDirect(store), time.Minute, nil)

	_, err := c.FetchSample(ctx, "s1", FetchOpts{})
	require.NoError(t, err)
	_, err = c.FetchSample(ctx, "s1", FetchOpts{BypassCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)

	// A bypassed fetch skips the cache and its counters entirely.
	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCachedGracefulDegradation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("s1", "s2", "s3")
	c := NewCached(NewDirect(store), time.Minute, nil)

	// Prime s1 and s2.
	_, err := c.FetchSamples(ctx, []string{"s1", "s2"}, FetchOpts{})
	require.NoError(t, err)

	// Primary fails; the cached subset comes back instead of the error.
	store.setFail(true)
	got, err := c.FetchSamples(ctx, []string{"s1", "s2", "s3"}, FetchOpts{})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	// Nothing cached: the error surfaces.
	c.Clear()
	_, err = c.FetchSamples(ctx, []string{"s3"}, FetchOpts{})
	assert.ErrorIs(t, err, ErrForgeUnavailable)
}

func TestCachedWarm(t *testing.T) {
	ctx := context.Background()
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%02d", i)
	}
	store := newFakeStore(ids...)
	c := NewCached(NewDirect(store), time.Minute, nil)

	c.WarmCache(ctx, append(ids, "missing"))
	assert.Equal(t, 25, c.Stats().Entries)

	// Warmed entries are hits.
	_, err := c.FetchSample(ctx, "s00", FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestCachedInvalidate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("s1", "s2")
	c := NewCached(NewDirect(store), time.Minute, nil)

	_, err := c.FetchSamples(ctx, []string{"s1", "s2"}, FetchOpts{})
	require.NoError(t, err)
	c.Invalidate("s1")
	assert.Equal(t, 1, c.Stats().Entries)
}
