// Package agreement computes inter-rater agreement over labels.
//
// Three metrics are supported: Cohen's kappa (exactly two raters),
// Fleiss' kappa (three or more), and Krippendorff's alpha (any rater
// count, tolerates sparse rater x sample matrices). Auto-selection picks
// Cohen for two raters and Fleiss otherwise; Krippendorff must be
// requested explicitly.
//
// Scores are 1.0 for perfect agreement and may be negative for
// anti-correlated raters; negative values are preserved, never clamped.
package agreement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/labelforge/labeld/internal/types"
)

// Metric names an agreement statistic.
type Metric string

// Metric constants
const (
	MetricAuto         Metric = "auto"
	MetricCohen        Metric = "cohen_kappa"
	MetricFleiss       Metric = "fleiss_kappa"
	MetricKrippendorff Metric = "krippendorff_alpha"
)

// Computation errors.
var (
	ErrNoLabels                 = errors.New("no labels to compute agreement over")
	ErrRequiresExactlyTwoRaters = errors.New("cohen kappa requires exactly two raters")
	ErrNoCommonSamples          = errors.New("raters share no common samples")
	ErrInsufficientRaters       = errors.New("at least two raters are required")
)

// Options scope a computation. An empty Field means the first payload key
// (lexicographically, for determinism) of each label. Metric defaults to
// auto-selection.
type Options struct {
	Metric Metric
	Field  string
}

// Result is the outcome of an agreement computation.
type Result struct {
	Metric  Metric  `json:"metric"`
	Score   float64 `json:"score"`
	Raters  int     `json:"raters"`
	Samples int     `json:"samples"`
	Field   string  `json:"field"`
}

// matrix holds category ratings keyed by rater then sample.
type matrix struct {
	ratings map[string]map[string]string // rater -> sample -> category
	raters  []string                     // sorted
	samples []string                     // sorted
}

// Compute builds the rater x sample matrix from labels and dispatches to
// the selected metric.
func Compute(labels []*types.Label, opts Options) (*Result, error) {
	m, field, err := buildMatrix(labels, opts.Field)
	if err != nil {
		return nil, err
	}

	metric := opts.Metric
	if metric == "" || metric == MetricAuto {
		if len(m.raters) == 2 {
			metric = MetricCohen
		} else {
			metric = MetricFleiss
		}
	}

	var score float64
	switch metric {
	case MetricCohen:
		score, err = cohenKappa(m)
	case MetricFleiss:
		score, err = fleissKappa(m)
	case MetricKrippendorff:
		score, err = krippendorffAlpha(m)
	default:
		return nil, fmt.Errorf("unknown agreement metric: %s", metric)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Metric:  metric,
		Score:   score,
		Raters:  len(m.raters),
		Samples: len(m.samples),
		Field:   field,
	}, nil
}

// buildMatrix extracts one category per (rater, sample) from the labels.
// A later label from the same rater on the same sample overwrites the
// earlier one.
func buildMatrix(labels []*types.Label, field string) (*matrix, string, error) {
	if len(labels) == 0 {
		return nil, "", ErrNoLabels
	}

	m := &matrix{ratings: make(map[string]map[string]string)}
	sampleSet := make(map[string]bool)
	for _, l := range labels {
		if l.Deleted() || len(l.Payload) == 0 {
			continue
		}
		f := field
		if f == "" {
			f = firstKey(l.Payload)
		}
		value, ok := l.Payload[f]
		if !ok {
			continue
		}
		if field == "" {
			field = f
		}
		if m.ratings[l.LabelerID] == nil {
			m.ratings[l.LabelerID] = make(map[string]string)
		}
		m.ratings[l.LabelerID][l.SampleID] = fmt.Sprintf("%v", value)
		sampleSet[l.SampleID] = true
	}
	if len(m.ratings) == 0 {
		return nil, "", ErrNoLabels
	}
	if len(m.ratings) < 2 {
		return nil, "", ErrInsufficientRaters
	}

	for r := range m.ratings {
		m.raters = append(m.raters, r)
	}
	sort.Strings(m.raters)
	for s := range sampleSet {
		m.samples = append(m.samples, s)
	}
	sort.Strings(m.samples)
	return m, field, nil
}

func firstKey(payload map[string]any) string {
	first := ""
	for k := range payload {
		if first == "" || k < first {
			first = k
		}
	}
	return first
}
