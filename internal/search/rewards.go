package search

// Reward backup over a fully expanded tree. Information gain is measured in
// bits between the evidence node's belief and the belief one full turn up
// (the grandparent evidence node), divided by a specificity penalty that
// punishes questions whose anticipated answers are lopsided regardless of
// hypothesis.

func (t *tree) specificityPenalty(qIdx int, sharpness float64) float64 {
	q := t.question[qIdx]
	maxM, minM := 0.0, 1.0
	for i, eIdx := range q.children {
		m := t.evidence[eIdx].marginal
		if i == 0 || m > maxM {
			maxM = m
		}
		if i == 0 || m < minM {
			minM = m
		}
	}
	return sharpness * (maxM - minM)
}

func (t *tree) immediateReward(eIdx int, sharpness float64) float64 {
	e := t.evidence[eIdx]
	priorEvidence := t.evidence[t.question[e.parent].parent]
	gain := priorEvidence.belief.Entropy() - e.belief.Entropy()
	return gain / (1 + t.specificityPenalty(e.parent, sharpness))
}

// accumulatedReward sums immediate rewards along the path back to the root.
func (t *tree) accumulatedReward(eIdx int, sharpness float64) float64 {
	e := t.evidence[eIdx]
	if e.parent < 0 {
		return 0
	}
	return t.immediateReward(eIdx, sharpness) +
		t.accumulatedReward(t.question[e.parent].parent, sharpness)
}

// expectedReward backs the leaf rewards up to a question node: each evidence
// child contributes its marginal likelihood times either the mean expected
// reward of its own question children (lookahead continues) or its
// accumulated reward (leaf).
func (t *tree) expectedReward(qIdx int, sharpness float64) float64 {
	q := t.question[qIdx]
	total := 0.0
	for _, eIdx := range q.children {
		e := t.evidence[eIdx]
		var reward float64
		if len(e.children) > 0 {
			sum := 0.0
			for _, childQ := range e.children {
				sum += t.expectedReward(childQ, sharpness)
			}
			reward = sum / float64(len(e.children))
		} else {
			reward = t.accumulatedReward(eIdx, sharpness)
		}
		total += e.marginal * reward
	}
	return total
}
