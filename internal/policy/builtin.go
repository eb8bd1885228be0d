package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/labelforge/labeld/internal/types"
)

// withoutOwn drops candidates the labeler has already labeled. The
// redundancy policy applies its own allow_same_labeler rule instead.
func withoutOwn(labeler *types.Labeler, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.LabeledBy[labeler.ID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// roundRobin cycles through the candidate set by index.
type roundRobin struct {
	mu   sync.Mutex
	next int
}

func newRoundRobin(map[string]any) (Policy, error) { return &roundRobin{}, nil }

func (p *roundRobin) Name() string { return "round_robin" }

func (p *roundRobin) Select(labeler *types.Labeler, candidates []Candidate) (Candidate, error) {
	candidates = withoutOwn(labeler, candidates)
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return candidates[p.next%len(candidates)], nil
}

func (p *roundRobin) Observe(Candidate) {
	p.mu.Lock()
	p.next++
	p.mu.Unlock()
}

// random picks uniformly. The seed param exists for reproducible runs.
type random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandom(params map[string]any) (Policy, error) {
	seed, err := floatParam(params, "seed", 0)
	if err != nil {
		return nil, err
	}
	s := int64(seed)
	if s == 0 {
		s = time.Now().UnixNano()
	}
	return &random{rng: rand.New(rand.NewSource(s))}, nil
}

func (p *random) Name() string { return "random" }

func (p *random) Select(labeler *types.Labeler, candidates []Candidate) (Candidate, error) {
	candidates = withoutOwn(labeler, candidates)
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return candidates[p.rng.Intn(len(candidates))], nil
}

func (p *random) Observe(Candidate) {}

// weightedExpertise gates the labeler on a minimum expertise score and
// then picks the candidate maximizing expertise minus sample difficulty.
type weightedExpertise struct {
	minThreshold float64
	expertiseKey string
}

func newWeightedExpertise(params map[string]any) (Policy, error) {
	min, err := floatParam(params, "min_threshold", 0)
	if err != nil {
		return nil, err
	}
	key, err := stringParam(params, "expertise_key", "default")
	if err != nil {
		return nil, err
	}
	return &weightedExpertise{minThreshold: min, expertiseKey: key}, nil
}

func (p *weightedExpertise) Name() string { return "weighted_expertise" }

func (p *weightedExpertise) Select(labeler *types.Labeler, candidates []Candidate) (Candidate, error) {
	candidates = withoutOwn(labeler, candidates)
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	expertise := labeler.ExpertiseFor(p.expertiseKey)
	if expertise < p.minThreshold {
		return Candidate{}, ErrBelowThreshold
	}
	best := candidates[0]
	bestScore := expertise - best.Sample.Difficulty()
	for _, c := range candidates[1:] {
		if score := expertise - c.Sample.Difficulty(); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, nil
}

func (p *weightedExpertise) Observe(Candidate) {}

// redundancy targets k labels per sample. Candidates at or above k are
// excluded, as are samples the labeler already labeled unless
// allow_same_labeler is set. Among the rest, the least-labeled sample
// wins so coverage stays even.
type redundancy struct {
	count            int
	allowSameLabeler bool
}

func newRedundancy(params map[string]any) (Policy, error) {
	count, err := intParam(params, "count", 1)
	if err != nil {
		return nil, err
	}
	allow, err := boolParam(params, "allow_same_labeler", false)
	if err != nil {
		return nil, err
	}
	return &redundancy{count: count, allowSameLabeler: allow}, nil
}

func (p *redundancy) Name() string { return "redundancy" }

func (p *redundancy) FilterCandidates(labeler *types.Labeler, candidates []Candidate) ([]Candidate, error) {
	var eligible []Candidate
	for _, c := range candidates {
		if c.LabelCount >= p.count {
			continue
		}
		if !p.allowSameLabeler && c.LabeledBy[labeler.ID] {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, nil
}

func (p *redundancy) Select(labeler *types.Labeler, candidates []Candidate) (Candidate, error) {
	eligible, err := p.FilterCandidates(labeler, candidates)
	if err != nil {
		return Candidate{}, err
	}
	if len(eligible) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.LabelCount < best.LabelCount {
			best = c
		}
	}
	return best, nil
}

func (p *redundancy) Observe(Candidate) {}
