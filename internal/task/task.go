// Package task holds the benchmark domains the planner runs against. A
// domain contributes the hypothesis space, the ground truth, and every prompt
// the engine needs; the planner itself stays dataset-agnostic.
package task

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/search"
	"github.com/inquest-ai/inquest/provider"
)

// Domain is one identification benchmark. It satisfies search.PromptSource
// and supplies the oracle and answerer prompts as well.
type Domain interface {
	// Name is the task identifier used by the CLI and run records.
	Name() string
	// Info is a one-line description of the configured instance.
	Info() string
	// Hypotheses enumerates the candidate answers.
	Hypotheses() []string
	// Answer is the ground truth for this instance.
	Answer() string
	// DefaultAnswers is the answer set for questions that do not enumerate
	// their own.
	DefaultAnswers() []string

	QuestionPrompt(state *belief.State, history []search.Turn, maxQuestions int) []provider.Message
	LikelihoodPrompt(hypothesis, question string, answers []string) []provider.Message
	AnswerPrompt(question string, answers []string) ([]provider.Message, error)
}

// Embedder is the similarity capability the answer matcher falls back to.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Matcher maps a free-text model answer onto one of the anticipated answer
// options: exact case-insensitive first, embedding similarity second.
type Matcher struct {
	embedder Embedder
}

func NewMatcher(e Embedder) *Matcher {
	return &Matcher{embedder: e}
}

// Match returns the index of the candidate the output corresponds to.
func (m *Matcher) Match(ctx context.Context, output string, candidates []string) (int, error) {
	if len(candidates) == 0 {
		return -1, fmt.Errorf("no candidate answers to match against")
	}
	normalised := strings.ToLower(strings.TrimSpace(output))
	for i, c := range candidates {
		if strings.ToLower(strings.TrimSpace(c)) == normalised {
			return i, nil
		}
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, normalised)
	texts = append(texts, candidates...)
	vecs, err := m.embedder.CreateEmbedding(ctx, texts)
	if err != nil {
		return -1, fmt.Errorf("embedding answer for matching: %w", err)
	}
	if len(vecs) != len(texts) {
		return -1, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	best := 0
	bestSim := similarity(vecs[0], vecs[1])
	for i := 2; i < len(vecs); i++ {
		if sim := similarity(vecs[0], vecs[i]); sim > bestSim {
			best, bestSim = i-1, sim
		}
	}
	return best, nil
}

func similarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// formatHistory renders past turns for the questioner prompts.
func formatHistory(history []search.Turn) string {
	var b strings.Builder
	for i, turn := range history {
		fmt.Fprintf(&b, "%d. Q: %s; A: %s\n", i+1, turn.Question, turn.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatAnswerList numbers the answer options, matching the numbering the
// likelihood oracle reads back out of the logprobs.
func formatAnswerList(answers []string) string {
	var b strings.Builder
	for i, a := range answers {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	return strings.TrimRight(b.String(), "\n")
}
