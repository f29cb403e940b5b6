// Package belief holds the probability distribution over the hypothesis space
// and its Bayesian update rule.
package belief

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrConfig marks an invalid hypothesis space or prior. It is fatal: there is
// no distribution to fall back to.
var ErrConfig = errors.New("invalid belief configuration")

// ErrDegenerate is returned when an update collapses every hypothesis to
// (near) zero mass, which signals a likelihood-estimation failure upstream.
type ErrDegenerate struct {
	Observed string
}

func (e ErrDegenerate) Error() string {
	return fmt.Sprintf("belief update degenerate: all hypotheses got ~zero likelihood for answer %q", e.Observed)
}

// Space is the ordered, immutable set of candidate hypotheses. Order matters:
// it is the tie-break for TopK.
type Space struct {
	hypotheses []string
	index      map[string]int
}

// NewSpace validates and builds a hypothesis space.
func NewSpace(hypotheses []string) (*Space, error) {
	if len(hypotheses) == 0 {
		return nil, fmt.Errorf("%w: hypothesis space cannot be empty", ErrConfig)
	}
	index := make(map[string]int, len(hypotheses))
	for i, h := range hypotheses {
		if _, dup := index[h]; dup {
			return nil, fmt.Errorf("%w: duplicate hypothesis %q", ErrConfig, h)
		}
		index[h] = i
	}
	return &Space{hypotheses: append([]string(nil), hypotheses...), index: index}, nil
}

// Hypotheses returns the hypotheses in their original order.
func (s *Space) Hypotheses() []string { return append([]string(nil), s.hypotheses...) }

// Len returns the number of hypotheses.
func (s *Space) Len() int { return len(s.hypotheses) }

// Order returns the original position of a hypothesis, or -1 if unknown.
func (s *Space) Order(h string) int {
	i, ok := s.index[h]
	if !ok {
		return -1
	}
	return i
}

// State is a probability distribution over (a subset of) the hypothesis space.
// Hypotheses pruned along a planning branch simply disappear from the map.
type State struct {
	space *Space
	probs map[string]float64
}

// New creates a belief state over space. A nil prior means uniform; otherwise
// prior must assign one mass per hypothesis, in space order, summing to 1.
func New(space *Space, prior []float64) (*State, error) {
	if space == nil || space.Len() == 0 {
		return nil, fmt.Errorf("%w: hypothesis space cannot be empty", ErrConfig)
	}
	probs := make(map[string]float64, space.Len())
	if prior == nil {
		u := 1.0 / float64(space.Len())
		for _, h := range space.hypotheses {
			probs[h] = u
		}
		return &State{space: space, probs: probs}, nil
	}

	if len(prior) != space.Len() {
		return nil, fmt.Errorf("%w: prior length %d does not match %d hypotheses", ErrConfig, len(prior), space.Len())
	}
	total := 0.0
	for i, p := range prior {
		if p < 0 {
			return nil, fmt.Errorf("%w: prior mass for %q is negative", ErrConfig, space.hypotheses[i])
		}
		probs[space.hypotheses[i]] = p
		total += p
	}
	if math.Abs(total-1.0) > 1e-6 {
		return nil, fmt.Errorf("%w: prior sums to %v, expected 1", ErrConfig, total)
	}
	return &State{space: space, probs: probs}, nil
}

// FromMap builds a state from an existing hypothesis->probability map. Used by
// the search when it materialises hypothetical posteriors.
func FromMap(space *Space, probs map[string]float64) *State {
	cp := make(map[string]float64, len(probs))
	for h, p := range probs {
		cp[h] = p
	}
	return &State{space: space, probs: cp}
}

// Space returns the hypothesis space this state is defined over.
func (b *State) Space() *Space { return b.space }

// Prob returns the current mass for a hypothesis (0 when pruned).
func (b *State) Prob(h string) float64 { return b.probs[h] }

// Probs returns a copy of the distribution.
func (b *State) Probs() map[string]float64 {
	cp := make(map[string]float64, len(b.probs))
	for h, p := range b.probs {
		cp[h] = p
	}
	return cp
}

// Hypotheses returns the surviving hypotheses in space order.
func (b *State) Hypotheses() []string {
	out := make([]string, 0, len(b.probs))
	for _, h := range b.space.hypotheses {
		if _, ok := b.probs[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Clone returns an independent copy, used for hypothetical planning updates.
func (b *State) Clone() *State {
	return FromMap(b.space, b.probs)
}

// Update applies Bayes' rule for an observed answer: posterior ∝ prior ×
// likelihood, renormalised over the surviving hypotheses. A missing likelihood
// entry is treated as zero. The state is replaced, not mutated branch-locally;
// callers planning hypothetically must Clone first.
func (b *State) Update(observed string, likelihoodRow map[string]float64) error {
	posterior := make(map[string]float64, len(b.probs))
	total := 0.0
	for h, p := range b.probs {
		v := p * likelihoodRow[h]
		posterior[h] = v
		total += v
	}
	if total <= 0 || math.IsNaN(total) {
		return ErrDegenerate{Observed: observed}
	}
	for h := range posterior {
		posterior[h] /= total
	}
	b.probs = posterior
	return nil
}

// Entropy returns the Shannon entropy of the distribution in bits.
func (b *State) Entropy() float64 {
	h := 0.0
	for _, p := range b.probs {
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	return h
}

// Guess pairs a hypothesis with its posterior mass.
type Guess struct {
	Hypothesis  string  `json:"hypothesis"`
	Probability float64 `json:"probability"`
}

// TopK returns the k most probable hypotheses in descending order. Ties keep
// original hypothesis-space order, so repeated calls are stable.
func (b *State) TopK(k int) []Guess {
	guesses := make([]Guess, 0, len(b.probs))
	for _, h := range b.space.hypotheses {
		if p, ok := b.probs[h]; ok {
			guesses = append(guesses, Guess{Hypothesis: h, Probability: p})
		}
	}
	sort.SliceStable(guesses, func(i, j int) bool {
		return guesses[i].Probability > guesses[j].Probability
	})
	if k > len(guesses) {
		k = len(guesses)
	}
	return guesses[:k]
}

// Max returns the single most probable hypothesis and its mass.
func (b *State) Max() (string, float64) {
	top := b.TopK(1)
	if len(top) == 0 {
		return "", 0
	}
	return top[0].Hypothesis, top[0].Probability
}
