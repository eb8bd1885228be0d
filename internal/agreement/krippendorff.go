package agreement

// krippendorffAlpha computes Krippendorff's alpha with the nominal
// distance in coincidence-matrix form. Sparse matrices are supported: a
// sample only contributes when it carries m >= 2 values.
//
// For each such sample, with c_i the count of category i among its m
// values, the coincidence matrix receives c_i*(c_i-1)/(m-1) on the
// diagonal and c_i*c_j/(m-1) off-diagonal. Observed disagreement is the
// off-diagonal sum; expected is sum_{i != j} n_i*n_j/(n-1) over the
// marginals; alpha = 1 - D_o/D_e.
func krippendorffAlpha(m *matrix) (float64, error) {
	if len(m.raters) < 2 {
		return 0, ErrInsufficientRaters
	}

	coincidence := make(map[string]map[string]float64)
	add := func(a, b string, v float64) {
		if coincidence[a] == nil {
			coincidence[a] = make(map[string]float64)
		}
		coincidence[a][b] += v
	}

	usable := 0
	for _, s := range m.samples {
		var values []string
		for _, r := range m.raters {
			if v, ok := m.ratings[r][s]; ok {
				values = append(values, v)
			}
		}
		mm := float64(len(values))
		if mm < 2 {
			continue
		}
		usable++
		counts := make(map[string]float64)
		for _, v := range values {
			counts[v]++
		}
		for ci, ni := range counts {
			for cj, nj := range counts {
				if ci == cj {
					add(ci, cj, ni*(ni-1)/(mm-1))
				} else {
					add(ci, cj, ni*nj/(mm-1))
				}
			}
		}
	}
	if usable == 0 {
		return 0, ErrNoCommonSamples
	}

	marginals := make(map[string]float64)
	total := 0.0
	observed := 0.0
	for ci, row := range coincidence {
		for cj, v := range row {
			marginals[ci] += v
			total += v
			if ci != cj {
				observed += v
			}
		}
	}

	expected := 0.0
	for ci, ni := range marginals {
		for cj, nj := range marginals {
			if ci != cj {
				expected += ni * nj / (total - 1)
			}
		}
	}
	if expected == 0 {
		// A single category across all units: no disagreement is possible.
		return 1, nil
	}
	return 1 - observed/expected, nil
}
