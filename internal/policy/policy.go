// Package policy implements the assignment policies a queue can be
// configured with. A policy picks the next sample for a labeler from a
// candidate set; stateful policies keep their state private and mutate it
// only through Observe.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/labelforge/labeld/internal/types"
)

// Selection errors.
var (
	ErrNoCandidates   = errors.New("no samples available")
	ErrBelowThreshold = errors.New("labeler below expertise threshold")
	ErrUnknownPolicy  = errors.New("unknown policy")
)

// Candidate is a sample eligible for assignment, annotated with its
// current labeling state.
type Candidate struct {
	Sample     *types.SampleRef
	LabelCount int             // completed labels on this sample
	LabeledBy  map[string]bool // labeler ids that already labeled it
}

// Policy selects one candidate for a labeler. Select must not mutate
// policy state; Observe is called exactly once with the final choice.
type Policy interface {
	Name() string
	Select(labeler *types.Labeler, candidates []Candidate) (Candidate, error)
	Observe(chosen Candidate)
}

// Filter is implemented by policies that narrow a candidate set without
// selecting. Composite uses it for every policy in the chain except the
// last.
type Filter interface {
	FilterCandidates(labeler *types.Labeler, candidates []Candidate) ([]Candidate, error)
}

// Factory builds a policy from its config params.
type Factory func(params map[string]any) (Policy, error)

// Registry maps policy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in policies registered:
// round_robin, random, weighted_expertise, redundancy, composite.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("round_robin", newRoundRobin)
	r.Register("random", newRandom)
	r.Register("weighted_expertise", newWeightedExpertise)
	r.Register("redundancy", newRedundancy)
	r.Register("composite", r.newComposite)
	return r
}

// Register adds or replaces a named factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the policy named by cfg.
func (r *Registry) New(cfg types.PolicyConfig) (Policy, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, cfg.Name)
	}
	p, err := f(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.Name, err)
	}
	return p, nil
}

// Names lists registered policy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// floatParam reads a numeric param that may arrive as float64 or int
// depending on how the config was decoded.
func floatParam(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("param %s: expected number, got %T", key, v)
}

func intParam(params map[string]any, key string, def int) (int, error) {
	f, err := floatParam(params, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func boolParam(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %s: expected bool, got %T", key, v)
	}
	return b, nil
}

func stringParam(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %s: expected string, got %T", key, v)
	}
	return s, nil
}
