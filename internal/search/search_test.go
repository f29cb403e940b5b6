package search

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/cluster"
	"github.com/inquest-ai/inquest/internal/oracle"
	"github.com/inquest-ai/inquest/internal/propose"
	"github.com/inquest-ai/inquest/provider"
)

// stubBackend serves generation, embeddings, and (never, in these tests)
// logprobs. Likelihood tables are pre-seeded on the clusters, so any logprob
// request means the cache reuse path is broken.
type stubBackend struct {
	questions string
	seen      map[string]int
}

func (s *stubBackend) Generate(context.Context, []provider.Message, string) (string, int64, int64, error) {
	return s.questions, 1, 1, nil
}

func (s *stubBackend) TopLogProbs(context.Context, []provider.Message, string) ([]provider.TopLogProb, int64, int64, error) {
	return nil, 0, 0, errors.New("likelihoods should come from the cluster cache")
}

func (s *stubBackend) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	if s.seen == nil {
		s.seen = map[string]int{}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		idx, ok := s.seen[t]
		if !ok {
			idx = len(s.seen)
			s.seen[t] = idx
		}
		vec := make([]float32, 8)
		vec[idx%8] = 1
		out[i] = vec
	}
	return out, nil
}

func (s *stubBackend) CalculateCost(int64, int64, string) float64 { return 0 }

type stubPrompts struct{}

func (stubPrompts) QuestionPrompt(*belief.State, []Turn, int) []provider.Message {
	return []provider.Message{{Role: "user", Content: "next questions"}}
}

func (stubPrompts) DefaultAnswers() []string { return []string{"Yes", "No"} }

func plannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		ConversationDepth:   20,
		MaxQuestionNodes:    3,
		MaxLookaheadDepth:   1,
		ConfidenceThreshold: 0.8,
		EstimatorConfidence: 1.0,
		SharpnessConstant:   0.4,
		MinProbability:      0.001,
	}
}

func seedCluster(t *testing.T, c *cluster.Clusterer, question string, likelihoods map[string]map[string]float64) {
	t.Helper()
	cl, err := c.Assign(context.Background(), question)
	if err != nil {
		t.Fatalf("assign %q: %v", question, err)
	}
	cl.Lock()
	cl.SetLikelihoods(likelihoods)
	cl.Unlock()
}

func newSearcher(t *testing.T, backend *stubBackend, c *cluster.Clusterer, cfg config.PlannerConfig) *Searcher {
	t.Helper()
	session := provider.NewSession("planner")
	prop := propose.New(backend, session, c, cfg.MaxQuestionNodes)
	est := oracle.New(backend, session, func(h, q string, _ []string) []provider.Message {
		return []provider.Message{{Role: "user", Content: h + "|" + q}}
	})
	return New(prop, est, stubPrompts{}, cfg)
}

func uniformState(t *testing.T, hypotheses ...string) *belief.State {
	t.Helper()
	space, err := belief.NewSpace(hypotheses)
	if err != nil {
		t.Fatalf("space: %v", err)
	}
	state, err := belief.New(space, nil)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return state
}

func TestPlanPicksDiscriminatingQuestion(t *testing.T) {
	backend := &stubBackend{questions: "1. Is it even?\n2. Is it a number?"}
	c := cluster.New(backend, 0.1)
	// "Is it even?" splits the space perfectly; "Is it a number?" says nothing.
	seedCluster(t, c, "Is it even?", map[string]map[string]float64{
		"A": {"Yes": 1.0, "No": 0.0},
		"B": {"Yes": 0.0, "No": 1.0},
	})
	seedCluster(t, c, "Is it a number?", map[string]map[string]float64{
		"A": {"Yes": 0.5, "No": 0.5},
		"B": {"Yes": 0.5, "No": 0.5},
	})

	s := newSearcher(t, backend, c, plannerConfig())
	plan, err := s.Plan(context.Background(), uniformState(t, "A", "B"), nil, nil, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Question != "Is it even?" {
		t.Fatalf("selected %q, want the discriminating question", plan.Question)
	}
	// A perfect binary split of a uniform two-hypothesis prior gains one bit,
	// and its balanced answers incur no specificity penalty. With lookahead
	// depth 1 the backed-up value must equal this flat greedy score.
	if math.Abs(plan.Expected-1.0) > 1e-9 {
		t.Fatalf("expected reward = %v, want 1 bit", plan.Expected)
	}
	if len(plan.Anticipated) != 2 {
		t.Fatalf("expected 2 anticipated answers, got %d", len(plan.Anticipated))
	}
	for _, a := range plan.Anticipated {
		if math.Abs(a.Marginal-0.5) > 1e-9 {
			t.Fatalf("anticipated marginal = %v, want 0.5", a.Marginal)
		}
	}
}

func TestPlanTieBreakKeepsFirstProposal(t *testing.T) {
	split := map[string]map[string]float64{
		"A": {"Yes": 1.0, "No": 0.0},
		"B": {"Yes": 0.0, "No": 1.0},
	}
	backend := &stubBackend{questions: "1. First split?\n2. Second split?"}
	c := cluster.New(backend, 0.1)
	seedCluster(t, c, "First split?", split)
	seedCluster(t, c, "Second split?", split)

	s := newSearcher(t, backend, c, plannerConfig())
	plan, err := s.Plan(context.Background(), uniformState(t, "A", "B"), nil, nil, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Question != "First split?" {
		t.Fatalf("tie should keep the first proposal, got %q", plan.Question)
	}
}

func TestPlanPrunesImprobableAnswers(t *testing.T) {
	backend := &stubBackend{questions: "1. Mixed question?|Yes|No|Maybe"}
	c := cluster.New(backend, 0.1)
	seedCluster(t, c, "Mixed question?", map[string]map[string]float64{
		"A": {"Yes": 0.6, "No": 0.39999, "Maybe": 0.00001},
		"B": {"Yes": 0.39999, "No": 0.6, "Maybe": 0.00001},
	})

	s := newSearcher(t, backend, c, plannerConfig())
	plan, err := s.Plan(context.Background(), uniformState(t, "A", "B"), nil, nil, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var walk func(e SerializedEvidence)
	walk = func(e SerializedEvidence) {
		if e.Answer != "ROOT" && e.Marginal < 0.001 {
			t.Fatalf("pruned answer %q (marginal %v) survived in the tree", e.Answer, e.Marginal)
		}
		for _, q := range e.Children {
			for _, child := range q.Children {
				walk(child)
			}
		}
	}
	walk(plan.Tree)

	for _, a := range plan.Anticipated {
		if a.Answer == "Maybe" {
			t.Fatalf("improbable answer should have been pruned")
		}
	}
}

func TestPosteriorUninformativeGivesZeroGain(t *testing.T) {
	backend := &stubBackend{}
	c := cluster.New(backend, 0.1)
	s := newSearcher(t, backend, c, plannerConfig())

	prior := map[string]float64{"A": 0.5, "B": 0.3, "C": 0.2}
	post, marginal := s.posterior(prior, map[string]float64{"A": 0.5, "B": 0.5, "C": 0.5}, 0.5)

	for h, p := range prior {
		if math.Abs(post[h]-p) > 1e-12 {
			t.Fatalf("posterior[%s] = %v, want prior %v", h, post[h], p)
		}
	}
	if math.Abs(marginal-0.5) > 1e-12 {
		t.Fatalf("marginal = %v, want 0.5", marginal)
	}
}

func TestPosteriorConfidenceMixesTowardUniform(t *testing.T) {
	backend := &stubBackend{}
	c := cluster.New(backend, 0.1)
	cfg := plannerConfig()
	cfg.EstimatorConfidence = 0.0
	s := newSearcher(t, backend, c, cfg)

	// With zero confidence in the estimator, even a hard 1/0 likelihood must
	// leave the prior untouched.
	prior := map[string]float64{"A": 0.5, "B": 0.5}
	post, _ := s.posterior(prior, map[string]float64{"A": 1.0, "B": 0.0}, 0.5)
	if math.Abs(post["A"]-0.5) > 1e-12 || math.Abs(post["B"]-0.5) > 1e-12 {
		t.Fatalf("posterior %v, want uniform prior preserved", post)
	}
}

func TestPosteriorFallbackWhenAllPruned(t *testing.T) {
	backend := &stubBackend{}
	c := cluster.New(backend, 0.1)
	cfg := plannerConfig()
	cfg.MinProbability = 0.9 // absurd floor, everything falls below it
	s := newSearcher(t, backend, c, cfg)

	prior := map[string]float64{"A": 0.5, "B": 0.5}
	post, _ := s.posterior(prior, map[string]float64{"A": 0.6, "B": 0.4}, 0.5)
	if len(post) != 2 {
		t.Fatalf("fallback should keep the unfiltered posterior, got %v", post)
	}
	sum := post["A"] + post["B"]
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("posterior sums to %v", sum)
	}
}

func TestPlanCachesLikelyBranch(t *testing.T) {
	backend := &stubBackend{questions: "1. Skewed split?"}
	c := cluster.New(backend, 0.1)
	// "Yes" is the more probable anticipated answer.
	seedCluster(t, c, "Skewed split?", map[string]map[string]float64{
		"A": {"Yes": 1.0, "No": 0.0},
		"B": {"Yes": 0.6, "No": 0.4},
		"C": {"Yes": 0.6, "No": 0.4},
	})

	cfg := plannerConfig()
	cfg.MaxLookaheadDepth = 2
	cfg.ConfidenceThreshold = 1.1 // never confident, force deep expansion
	cfg.PlanAnswers = true
	s := newSearcher(t, backend, c, cfg)

	plan, err := s.Plan(context.Background(), uniformState(t, "A", "B", "C"), nil, nil, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Cached == nil {
		t.Fatalf("expected a cached branch under the likely answer")
	}
	if plan.Cached.Answer != "Yes" {
		t.Fatalf("cached branch under %q, want the most probable answer", plan.Cached.Answer)
	}
	if len(plan.Cached.Proposals) == 0 {
		t.Fatalf("cached branch carries no proposals")
	}

	// Seeding the next turn with the cached proposals must not call the
	// proposer again at the root.
	backend.questions = "" // any proposer call would now come back empty
	next, err := s.Plan(context.Background(), uniformState(t, "A", "B", "C"), nil, nil, plan.Cached)
	if err != nil {
		t.Fatalf("seeded plan: %v", err)
	}
	if next.Question != "Skewed split?" {
		t.Fatalf("seeded plan selected %q", next.Question)
	}
}

func TestPlanExhaustedWhenNoQuestions(t *testing.T) {
	backend := &stubBackend{questions: "nothing useful here"}
	c := cluster.New(backend, 0.1)
	s := newSearcher(t, backend, c, plannerConfig())

	_, err := s.Plan(context.Background(), uniformState(t, "A", "B"), nil, nil, nil)
	if !errors.Is(err, propose.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}
