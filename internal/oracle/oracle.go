// Package oracle estimates answer likelihoods per hypothesis by reading the
// top log probabilities of a single completion token from the model.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/inquest-ai/inquest/provider"
)

// ErrUnavailable wraps a model failure that survived the provider's retries.
// Callers should record the conversation as failed and move on.
var ErrUnavailable = errors.New("likelihood oracle unavailable")

// PromptFunc builds the conditional-assumption prompt for one hypothesis. The
// returned messages must steer the model toward answering with a bare answer
// number so the first completion token carries the whole signal.
type PromptFunc func(hypothesis, question string, answers []string) []provider.Message

// Estimator queries the model once per (hypothesis, question) pair and turns
// the returned logprobs into a probability over the enumerated answers.
type Estimator struct {
	provider provider.Provider
	session  *provider.Session
	prompt   PromptFunc
	logger   *log.Logger
}

func New(p provider.Provider, session *provider.Session, prompt PromptFunc) *Estimator {
	return &Estimator{
		provider: p,
		session:  session,
		prompt:   prompt,
		logger:   log.New(log.Writer(), "[ORACLE] ", log.LstdFlags),
	}
}

// Estimate returns hypothesis -> answer -> probability for one question,
// covering exactly the requested hypotheses. Hypotheses are queried
// concurrently; the first failure cancels the rest.
func (e *Estimator) Estimate(ctx context.Context, question string, answers, hypotheses []string) (map[string]map[string]float64, error) {
	rows := make([]map[string]float64, len(hypotheses))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hypotheses {
		g.Go(func() error {
			row, err := e.estimateOne(gctx, h, question, answers)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(map[string]map[string]float64, len(hypotheses))
	for i, h := range hypotheses {
		out[h] = rows[i]
	}
	return out, nil
}

func (e *Estimator) estimateOne(ctx context.Context, hypothesis, question string, answers []string) (map[string]float64, error) {
	messages := e.prompt(hypothesis, question, answers)

	logprobs, in, out, err := e.provider.TopLogProbs(ctx, messages, e.session.ModelKey)
	if err != nil {
		return nil, fmt.Errorf("logprobs for %q: %w", hypothesis, err)
	}
	e.session.Add(in, out)

	// Some endpoints accept the request but omit logprobs. An uninformative
	// uniform row keeps the update well-defined.
	if len(logprobs) == 0 {
		e.logger.Printf("no logprobs for hypothesis %q, falling back to uniform", hypothesis)
		return uniformRow(answers), nil
	}

	lookup := make(map[string]float64, len(logprobs))
	for _, lp := range logprobs {
		lookup[lp.Token] = lp.LogProb
	}

	// Answers are numbered from 1 in the prompt. Tokenisers disagree on
	// whether the digit carries a leading space, so take the better of both.
	raw := make(map[string]float64, len(answers))
	for i, answer := range answers {
		token := fmt.Sprintf("%d", i+1)
		lp := math.Inf(-1)
		if v, ok := lookup[" "+token]; ok {
			lp = v
		}
		if v, ok := lookup[token]; ok && v > lp {
			lp = v
		}
		raw[answer] = lp
	}

	return softmax(raw), nil
}

// softmax turns a map of logprobs into a normalised distribution. When every
// entry is -Inf (no numbered token made the top 20) the result is uniform.
func softmax(logprobs map[string]float64) map[string]float64 {
	max := math.Inf(-1)
	for _, lp := range logprobs {
		if lp > max {
			max = lp
		}
	}
	if math.IsInf(max, -1) {
		keys := make([]string, 0, len(logprobs))
		for k := range logprobs {
			keys = append(keys, k)
		}
		return uniformRow(keys)
	}

	sum := 0.0
	exps := make(map[string]float64, len(logprobs))
	for k, lp := range logprobs {
		v := math.Exp(lp - max)
		exps[k] = v
		sum += v
	}
	for k := range exps {
		exps[k] /= sum
	}
	return exps
}

func uniformRow(answers []string) map[string]float64 {
	row := make(map[string]float64, len(answers))
	if len(answers) == 0 {
		return row
	}
	u := 1.0 / float64(len(answers))
	for _, a := range answers {
		row[a] = u
	}
	return row
}
