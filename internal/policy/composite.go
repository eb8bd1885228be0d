package policy

import (
	"errors"
	"fmt"

	"github.com/labelforge/labeld/internal/types"
)

// composite chains policies. Every policy before the last narrows the
// candidate set; the last one selects. Any error from an intermediate
// policy halts the chain and is returned as-is.
type composite struct {
	policies []Policy
}

func (r *Registry) newComposite(params map[string]any) (Policy, error) {
	raw, ok := params["policies"]
	if !ok {
		return nil, errors.New("composite requires a policies list")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("param policies: expected list, got %T", raw)
	}
	if len(items) == 0 {
		return nil, errors.New("composite requires at least one policy")
	}

	policies := make([]Policy, 0, len(items))
	for i, item := range items {
		cfg, err := subConfig(item)
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		p, err := r.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		policies = append(policies, p)
	}
	return &composite{policies: policies}, nil
}

func subConfig(item any) (types.PolicyConfig, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return types.PolicyConfig{}, fmt.Errorf("expected object, got %T", item)
	}
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return types.PolicyConfig{}, errors.New("missing policy name")
	}
	cfg := types.PolicyConfig{Name: name}
	if params, ok := m["params"].(map[string]any); ok {
		cfg.Params = params
	}
	return cfg, nil
}

func (p *composite) Name() string { return "composite" }

func (p *composite) Select(labeler *types.Labeler, candidates []Candidate) (Candidate, error) {
	remaining := candidates
	for _, sub := range p.policies[:len(p.policies)-1] {
		var err error
		if f, ok := sub.(Filter); ok {
			remaining, err = f.FilterCandidates(labeler, remaining)
		} else {
			// A selecting policy in an intermediate position narrows the
			// set to its single choice.
			var chosen Candidate
			chosen, err = sub.Select(labeler, remaining)
			remaining = []Candidate{chosen}
		}
		if err != nil {
			return Candidate{}, err
		}
	}
	last := p.policies[len(p.policies)-1]
	return last.Select(labeler, remaining)
}

func (p *composite) Observe(chosen Candidate) {
	for _, sub := range p.policies {
		sub.Observe(chosen)
	}
}
