package agreement

// fleissKappa computes Fleiss' kappa over the samples rated by every
// rater. For an n x k matrix of samples x raters:
//
//	P_i   = (sum_j n_ij^2 - k) / (k (k-1))   per-sample agreement
//	p_j   = category marginals
//	P_e   = sum_j p_j^2
//	kappa = (P_mean - P_e) / (1 - P_e)
func fleissKappa(m *matrix) (float64, error) {
	if len(m.raters) < 2 {
		return 0, ErrInsufficientRaters
	}
	k := float64(len(m.raters))

	// Restrict to complete cases: Fleiss assumes a constant number of
	// ratings per sample.
	var complete []string
	for _, s := range m.samples {
		rated := 0
		for _, r := range m.raters {
			if _, ok := m.ratings[r][s]; ok {
				rated++
			}
		}
		if rated == len(m.raters) {
			complete = append(complete, s)
		}
	}
	if len(complete) == 0 {
		return 0, ErrNoCommonSamples
	}
	n := float64(len(complete))

	categoryTotals := make(map[string]float64)
	sumPi := 0.0
	for _, s := range complete {
		counts := make(map[string]float64)
		for _, r := range m.raters {
			cat := m.ratings[r][s]
			counts[cat]++
			categoryTotals[cat]++
		}
		sumSq := 0.0
		for _, c := range counts {
			sumSq += c * c
		}
		sumPi += (sumSq - k) / (k * (k - 1))
	}

	pBar := sumPi / n
	pe := 0.0
	for _, total := range categoryTotals {
		pj := total / (n * k)
		pe += pj * pj
	}
	if pe >= 1 {
		return 1, nil
	}
	return (pBar - pe) / (1 - pe), nil
}
