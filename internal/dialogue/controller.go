// Package dialogue drives the real conversation: plan a question, put it to
// the answerer, cluster the observed answer, update the belief, and stop when
// confident, out of depth, or out of questions.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/propose"
	"github.com/inquest-ai/inquest/internal/search"
	"github.com/inquest-ai/inquest/internal/task"
	"github.com/inquest-ai/inquest/provider"
)

// Controller owns one conversation end to end.
type Controller struct {
	domain     task.Domain
	searcher   *search.Searcher
	matcher    *task.Matcher
	provider   provider.Provider
	questioner *provider.Session
	answerer   *provider.Session
	cfg        config.PlannerConfig
	logger     *log.Logger
}

func NewController(
	domain task.Domain,
	searcher *search.Searcher,
	matcher *task.Matcher,
	p provider.Provider,
	questioner, answerer *provider.Session,
	cfg config.PlannerConfig,
) *Controller {
	return &Controller{
		domain:     domain,
		searcher:   searcher,
		matcher:    matcher,
		provider:   p,
		questioner: questioner,
		answerer:   answerer,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[DIALOGUE] ", log.LstdFlags),
	}
}

// Run plays the conversation to completion. The returned record is populated
// even when the run fails partway; the error then says why.
func (c *Controller) Run(ctx context.Context) (*RunRecord, error) {
	record := &RunRecord{
		RunID:          uuid.NewString(),
		TaskInfo:       c.domain.Info(),
		ExpectedAnswer: c.domain.Answer(),
		StartTime:      time.Now().UTC(),
	}

	space, err := belief.NewSpace(c.domain.Hypotheses())
	if err != nil {
		return record, fmt.Errorf("building hypothesis space: %w", err)
	}
	state, err := belief.New(space, nil)
	if err != nil {
		return record, fmt.Errorf("initialising belief: %w", err)
	}

	record.FinalPath = append(record.FinalPath, pathEvidence("ROOT", 1.0, state.Probs()))

	var (
		history []search.Turn
		asked   = make(map[int64]bool)
		seed    *search.CachedPlan
		current *search.SerializedEvidence
	)

	for !c.terminal(state, len(history), record) {
		plan, err := c.searcher.Plan(ctx, state, history, asked, seed)
		seed = nil
		if errors.Is(err, propose.ErrExhausted) {
			c.logger.Printf("proposer exhausted after %d turns", len(history))
			record.Termination = TerminationExhausted
			break
		}
		if err != nil {
			record.Termination = TerminationFailed
			record.FailureReason = err.Error()
			c.finish(record, state)
			return record, fmt.Errorf("planning turn %d: %w", len(history)+1, err)
		}
		asked[plan.ClusterID] = true
		record.FinalPath = append(record.FinalPath, pathQuestion(plan.Question, plan.Answers))

		current = c.stitchTree(record, current, plan)

		answer, anticipated, err := c.observe(ctx, plan)
		if err != nil {
			record.Termination = TerminationFailed
			record.FailureReason = err.Error()
			c.finish(record, state)
			return record, fmt.Errorf("observing turn %d: %w", len(history)+1, err)
		}
		c.logger.Printf("turn %d: asked %q, observed %q", len(history)+1, plan.Question, answer)

		state = c.applyObservation(state, plan, answer, anticipated)

		history = append(history, search.Turn{Question: plan.Question, Answer: answer})
		marginal := 0.0
		if anticipated != nil {
			marginal = anticipated.Marginal
		}
		record.FinalPath = append(record.FinalPath, pathEvidence(answer, marginal, state.Probs()))
		record.Turns = append(record.Turns, TurnRecord{
			Question: plan.Question,
			Answer:   answer,
			Belief:   state.Probs(),
			Guesses:  state.TopK(3),
		})
		current = descend(current, plan.Question, answer, state, marginal)

		if plan.Cached != nil && plan.Cached.Answer == answer {
			seed = plan.Cached
		}
	}

	c.finish(record, state)
	return record, nil
}

// observe puts the question to the real answerer and maps the reply onto one
// of the anticipated answers.
func (c *Controller) observe(ctx context.Context, plan *search.Plan) (string, *search.Anticipated, error) {
	messages, err := c.domain.AnswerPrompt(plan.Question, plan.Answers)
	if err != nil {
		return "", nil, fmt.Errorf("building answer prompt: %w", err)
	}
	output, in, out, err := c.provider.Generate(ctx, messages, c.answerer.ModelKey)
	if err != nil {
		return "", nil, fmt.Errorf("querying answerer: %w", err)
	}
	c.answerer.Add(in, out)

	// Match against the anticipated answers when any survived pruning; they
	// carry precomputed posteriors. The full answer set is the fallback.
	candidates := make([]string, 0, len(plan.Anticipated))
	for _, a := range plan.Anticipated {
		candidates = append(candidates, a.Answer)
	}
	if len(candidates) == 0 {
		candidates = plan.Answers
	}
	idx, err := c.matcher.Match(ctx, output, candidates)
	if err != nil {
		return "", nil, fmt.Errorf("matching answer %q: %w", output, err)
	}
	answer := candidates[idx]
	if len(plan.Anticipated) > 0 {
		return answer, &plan.Anticipated[idx], nil
	}
	return answer, nil, nil
}

// applyObservation advances the real belief. The anticipated posterior is the
// planning-time update for this exact answer, so it is reused verbatim. An
// answer with no anticipated entry falls back to a plain Bayesian update; if
// that collapses the distribution the prior is kept and the anomaly logged.
func (c *Controller) applyObservation(state *belief.State, plan *search.Plan, answer string, anticipated *search.Anticipated) *belief.State {
	if anticipated != nil {
		return belief.FromMap(state.Space(), anticipated.Belief)
	}

	next := state.Clone()
	if err := next.Update(answer, plan.LikelihoodRows[answer]); err != nil {
		var degenerate belief.ErrDegenerate
		if errors.As(err, &degenerate) {
			c.logger.Printf("anomaly: %v; keeping prior", err)
			return state
		}
		c.logger.Printf("belief update failed: %v; keeping prior", err)
		return state
	}
	return next
}

func (c *Controller) terminal(state *belief.State, depth int, record *RunRecord) bool {
	if depth >= c.cfg.ConversationDepth {
		record.Termination = TerminationDepth
		return true
	}
	_, top := state.Max()
	if top >= c.cfg.ConfidenceThreshold {
		record.Termination = TerminationConfident
		return true
	}
	return false
}

func (c *Controller) finish(record *RunRecord, state *belief.State) {
	record.EndTime = time.Now().UTC()
	record.FinalBelief = state.Probs()
	guesses := state.TopK(3)
	if len(guesses) > 0 {
		record.Top1 = guesses[0].Hypothesis
	}
	for _, g := range guesses {
		record.Top3 = append(record.Top3, g.Hypothesis)
	}
	record.Questioner = SessionUsage{
		ModelKey:     c.questioner.ModelKey,
		InputTokens:  c.questioner.InputTokens(),
		OutputTokens: c.questioner.OutputTokens(),
	}
	record.Answerer = SessionUsage{
		ModelKey:     c.answerer.ModelKey,
		InputTokens:  c.answerer.InputTokens(),
		OutputTokens: c.answerer.OutputTokens(),
	}
	c.logger.Printf("run %s finished (%s) after %d turns, top guess %q",
		record.RunID, record.Termination, len(record.Turns), record.Top1)
}

// stitchTree grafts this turn's planning tree onto the dialogue-wide tree so
// the record shows every branch explored across the whole conversation.
func (c *Controller) stitchTree(record *RunRecord, current *search.SerializedEvidence, plan *search.Plan) *search.SerializedEvidence {
	if current == nil {
		tree := plan.Tree
		record.SerialisedTree = &tree
		return record.SerialisedTree
	}
	if len(current.Children) == 0 {
		current.Children = plan.Tree.Children
	}
	return current
}

// descend moves the stitch point to the observed evidence node, creating one
// if the real answer was pruned out of the planning tree.
func descend(current *search.SerializedEvidence, question, answer string, state *belief.State, marginal float64) *search.SerializedEvidence {
	if current == nil {
		return nil
	}
	for i := range current.Children {
		q := &current.Children[i]
		if q.Question != question {
			continue
		}
		for j := range q.Children {
			if q.Children[j].Answer == answer {
				return &q.Children[j]
			}
		}
		q.Children = append(q.Children, search.SerializedEvidence{
			Type:     "evidence",
			Answer:   answer,
			Belief:   state.Probs(),
			Marginal: marginal,
		})
		return &q.Children[len(q.Children)-1]
	}
	return current
}

func pathQuestion(question string, answers []string) string {
	return fmt.Sprintf("Question: '%s' | Possible Answers: %v", question, answers)
}

func pathEvidence(answer string, marginal float64, beliefState map[string]float64) string {
	return fmt.Sprintf("Answer: '%s' | Marginal Likelihood: %v | Belief State: %v", answer, marginal, beliefState)
}
