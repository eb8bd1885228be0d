package agreement

// cohenKappa computes Cohen's kappa for exactly two raters over their
// common samples: kappa = (p_o - p_e) / (1 - p_e), where p_e is the dot
// product of the raters' per-category marginals.
func cohenKappa(m *matrix) (float64, error) {
	if len(m.raters) != 2 {
		return 0, ErrRequiresExactlyTwoRaters
	}
	a := m.ratings[m.raters[0]]
	b := m.ratings[m.raters[1]]

	var common []string
	for _, s := range m.samples {
		if _, ok := a[s]; !ok {
			continue
		}
		if _, ok := b[s]; !ok {
			continue
		}
		common = append(common, s)
	}
	if len(common) == 0 {
		return 0, ErrNoCommonSamples
	}

	n := float64(len(common))
	agree := 0.0
	marginalA := make(map[string]float64)
	marginalB := make(map[string]float64)
	for _, s := range common {
		if a[s] == b[s] {
			agree++
		}
		marginalA[a[s]]++
		marginalB[b[s]]++
	}

	po := agree / n
	pe := 0.0
	for cat, ca := range marginalA {
		pe += (ca / n) * (marginalB[cat] / n)
	}
	if pe >= 1 {
		// Both raters used a single identical category; agreement is perfect
		// by construction.
		return 1, nil
	}
	return (po - pe) / (1 - pe), nil
}
