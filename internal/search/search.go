// Package search chooses the next question by expanding a bounded lookahead
// tree of anticipated answers and backing expected information gain up to the
// root.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/oracle"
	"github.com/inquest-ai/inquest/internal/propose"
	"github.com/inquest-ai/inquest/provider"
)

// Turn is one completed question/answer exchange, real or hypothetical.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// PromptSource builds the questioner prompt for a belief state and dialogue
// history. Implementations live with the task domains; the search itself is
// prompt-agnostic.
type PromptSource interface {
	QuestionPrompt(state *belief.State, history []Turn, maxQuestions int) []provider.Message
	DefaultAnswers() []string
}

// Anticipated is one predicted answer of the selected question with the
// belief it would lead to.
type Anticipated struct {
	Answer   string
	Marginal float64
	Belief   map[string]float64
}

// CachedPlan carries the question proposals pre-computed under the most
// probable anticipated answer. If the real answer lands there the next
// planning call skips its proposer round trip; otherwise it is dropped.
type CachedPlan struct {
	Answer    string
	Proposals []propose.Proposal
}

// Plan is the outcome of one planning call.
type Plan struct {
	Question    string
	Answers     []string
	ClusterID   int64
	Expected    float64
	Anticipated []Anticipated
	// LikelihoodRows maps answer -> hypothesis -> probability for every
	// answer of the selected question, pruned or not, so the controller can
	// still update the belief when the real answer was pruned from the tree.
	LikelihoodRows map[string]map[string]float64
	Cached         *CachedPlan
	Tree           SerializedEvidence
}

// Searcher owns the planning loop for one conversation.
type Searcher struct {
	proposer *propose.Proposer
	oracle   *oracle.Estimator
	prompts  PromptSource
	cfg      config.PlannerConfig
	logger   *log.Logger
}

func New(p *propose.Proposer, o *oracle.Estimator, prompts PromptSource, cfg config.PlannerConfig) *Searcher {
	return &Searcher{
		proposer: p,
		oracle:   o,
		prompts:  prompts,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
}

// Plan expands the lookahead tree from the current belief and returns the
// root question with the highest backed-up expected reward. Ties keep the
// earliest proposal. seed, when non-nil, replaces the proposer call at the
// root with question proposals cached by the previous turn.
func (s *Searcher) Plan(ctx context.Context, state *belief.State, history []Turn, asked map[int64]bool, seed *CachedPlan) (*Plan, error) {
	t := newTree(state.Clone())

	if err := s.expandEvidence(ctx, t, 0, 0, history, asked, seed); err != nil {
		return nil, err
	}

	root := t.evidence[0]
	if len(root.children) == 0 {
		return nil, propose.ErrExhausted
	}

	bestIdx := root.children[0]
	bestReward := t.expectedReward(bestIdx, s.cfg.SharpnessConstant)
	for _, qIdx := range root.children[1:] {
		if r := t.expectedReward(qIdx, s.cfg.SharpnessConstant); r > bestReward {
			bestIdx, bestReward = qIdx, r
		}
	}
	best := t.question[bestIdx]
	s.logger.Printf("selected %q (expected reward %.4f, %d candidates)", best.question, bestReward, len(root.children))

	plan := &Plan{
		Question:       best.question,
		Answers:        append([]string(nil), best.answers...),
		ClusterID:      best.cluster.ID,
		Expected:       bestReward,
		LikelihoodRows: make(map[string]map[string]float64, len(best.answers)),
		Tree:           t.serializeEvidence(0),
	}
	best.cluster.Lock()
	for _, a := range best.answers {
		plan.LikelihoodRows[a] = best.cluster.LikelihoodRow(a)
	}
	best.cluster.Unlock()
	for _, eIdx := range best.children {
		e := t.evidence[eIdx]
		plan.Anticipated = append(plan.Anticipated, Anticipated{
			Answer:   e.answer,
			Marginal: e.marginal,
			Belief:   e.belief.Probs(),
		})
	}
	if s.cfg.PlanAnswers {
		plan.Cached = s.cacheLikelyBranch(t, bestIdx)
	}
	return plan, nil
}

// cacheLikelyBranch snapshots the question proposals already expanded under
// the most probable anticipated answer of the selected question.
func (s *Searcher) cacheLikelyBranch(t *tree, qIdx int) *CachedPlan {
	q := t.question[qIdx]
	bestE := -1
	bestM := 0.0
	for _, eIdx := range q.children {
		if e := t.evidence[eIdx]; bestE < 0 || e.marginal > bestM {
			bestE, bestM = eIdx, e.marginal
		}
	}
	if bestE < 0 || len(t.evidence[bestE].children) == 0 {
		return nil
	}
	e := t.evidence[bestE]
	cached := &CachedPlan{Answer: e.answer}
	for _, childQ := range e.children {
		cq := t.question[childQ]
		cached.Proposals = append(cached.Proposals, propose.Proposal{
			Question: cq.question,
			Answers:  append([]string(nil), cq.answers...),
			Cluster:  cq.cluster,
		})
	}
	return cached
}

func (s *Searcher) expandEvidence(ctx context.Context, t *tree, eIdx, depth int, history []Turn, asked map[int64]bool, seed *CachedPlan) error {
	e := t.evidenceAt(eIdx)
	if s.terminal(e.belief, len(history)) || depth >= s.cfg.MaxLookaheadDepth {
		return nil
	}

	if len(e.children) == 0 {
		var proposals []propose.Proposal
		if seed != nil {
			proposals = seed.Proposals
			s.logger.Printf("seeding root with %d cached proposals", len(proposals))
		} else {
			messages := s.prompts.QuestionPrompt(e.belief, history, s.cfg.MaxQuestionNodes)
			var err error
			proposals, err = s.proposer.Propose(ctx, messages, s.prompts.DefaultAnswers(), asked)
			if errors.Is(err, propose.ErrExhausted) {
				// A dead end in lookahead is a leaf, not a failure.
				return nil
			}
			if err != nil {
				return err
			}
		}
		for _, p := range proposals {
			t.addQuestion(eIdx, p.Question, p.Answers, p.Cluster)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, qIdx := range e.children {
		g.Go(func() error {
			return s.expandQuestion(gctx, t, qIdx, depth, history, asked)
		})
	}
	return g.Wait()
}

func (s *Searcher) expandQuestion(ctx context.Context, t *tree, qIdx, depth int, history []Turn, asked map[int64]bool) error {
	q := t.questionAt(qIdx)

	if len(q.children) == 0 {
		if err := s.populateEvidence(ctx, t, qIdx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, eIdx := range q.children {
		g.Go(func() error {
			e := t.evidenceAt(eIdx)
			branch := make([]Turn, 0, len(history)+1)
			branch = append(branch, history...)
			branch = append(branch, Turn{Question: q.question, Answer: e.answer})
			return s.expandEvidence(gctx, t, eIdx, depth+1, branch, asked, nil)
		})
	}
	return g.Wait()
}

// populateEvidence fills in the anticipated answer children of a question,
// estimating likelihoods for any hypothesis the question's cluster has not
// seen. The cluster lock serialises branches that hit the same cluster so
// only one of them pays for the estimation.
func (s *Searcher) populateEvidence(ctx context.Context, t *tree, qIdx int) error {
	q := t.questionAt(qIdx)
	parentBelief := t.evidenceAt(q.parent).belief

	if err := s.ensureLikelihoods(ctx, q, parentBelief); err != nil {
		return err
	}

	type branch struct {
		answer    string
		posterior map[string]float64
		marginal  float64
	}
	branches := make([]branch, 0, len(q.answers))
	uniform := 1.0 / float64(len(q.answers))
	for _, answer := range q.answers {
		q.cluster.Lock()
		row := q.cluster.LikelihoodRow(answer)
		q.cluster.Unlock()
		posterior, marginal := s.posterior(parentBelief.Probs(), row, uniform)
		branches = append(branches, branch{answer: answer, posterior: posterior, marginal: marginal})
	}

	// Drop anticipated answers too unlikely to be worth simulating. Their
	// probability mass is discarded, not folded into the survivors. When
	// everything falls below the floor the branch is already improbable, so
	// keep the full set rather than simulate nothing.
	kept := branches[:0]
	for _, b := range branches {
		if b.marginal >= s.cfg.MinProbability {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		kept = branches[:len(branches):len(branches)]
	}

	for _, b := range kept {
		t.addEvidence(qIdx, b.answer, belief.FromMap(parentBelief.Space(), b.posterior), b.marginal)
	}
	return nil
}

// ensureLikelihoods brings the cluster's likelihood table up to date with the
// hypotheses still alive in the parent belief. An existing table also fixes
// the answer set, keeping rows comparable across paraphrased questions.
func (s *Searcher) ensureLikelihoods(ctx context.Context, q *questionNode, parentBelief *belief.State) error {
	q.cluster.Lock()
	defer q.cluster.Unlock()

	if answers := q.cluster.Answers(); len(answers) > 0 {
		q.answers = answers
	}

	var missing []string
	for _, h := range parentBelief.Hypotheses() {
		if _, ok := q.cluster.Likelihoods[h]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	rows, err := s.oracle.Estimate(ctx, q.question, q.answers, missing)
	if err != nil {
		return fmt.Errorf("estimating %q: %w", q.question, err)
	}
	q.cluster.SetLikelihoods(rows)
	return nil
}

// posterior applies Bayes' rule with the estimator-confidence mix: the raw
// likelihood is blended toward uniform so a confidently wrong estimate cannot
// zero out the true hypothesis. Hypotheses whose unnormalised mass falls
// below min_probability are dropped and their mass discarded; if that would
// empty the state the unfiltered values are kept instead.
func (s *Searcher) posterior(prior map[string]float64, likelihoods map[string]float64, uniform float64) (map[string]float64, float64) {
	eps := s.cfg.EstimatorConfidence
	all := make(map[string]float64, len(prior))
	for h, p := range prior {
		lik, ok := likelihoods[h]
		if !ok {
			s.logger.Printf("hypothesis %q missing from likelihood table, defaulting to %.4f", h, uniform)
			lik = uniform
		}
		all[h] = p * (lik*eps + uniform*(1-eps))
	}

	filtered := make(map[string]float64, len(all))
	for h, p := range all {
		if p >= s.cfg.MinProbability {
			filtered[h] = p
		}
	}
	if len(filtered) == 0 {
		filtered = all
	}

	marginal := 0.0
	for _, p := range filtered {
		marginal += p
	}
	normalised := make(map[string]float64, len(filtered))
	for h, p := range filtered {
		normalised[h] = p / marginal
	}
	return normalised, marginal
}

func (s *Searcher) terminal(b *belief.State, conversationDepth int) bool {
	if conversationDepth >= s.cfg.ConversationDepth {
		return true
	}
	_, top := b.Max()
	return top >= s.cfg.ConfidenceThreshold
}
