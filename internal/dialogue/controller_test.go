package dialogue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/cluster"
	"github.com/inquest-ai/inquest/internal/oracle"
	"github.com/inquest-ai/inquest/internal/propose"
	"github.com/inquest-ai/inquest/internal/search"
	"github.com/inquest-ai/inquest/internal/task"
	"github.com/inquest-ai/inquest/provider"
)

// stubProvider answers questioner prompts with fresh numbered questions,
// answerer prompts with a fixed reply, and likelihood prompts with per-
// hypothesis logprobs. Texts embed onto distinct axes so every question gets
// its own cluster.
type stubProvider struct {
	mu           sync.Mutex
	questions    int
	answerOutput string
	answerErr    error
	logprobs     map[string][]provider.TopLogProb
	seen         map[string]int
}

func (s *stubProvider) Generate(_ context.Context, messages []provider.Message, model string) (string, int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model == "answerer-model" {
		if s.answerErr != nil {
			return "", 0, 0, s.answerErr
		}
		return s.answerOutput, 3, 1, nil
	}
	if len(messages) > 0 && messages[0].Content == "unparseable" {
		return "nothing resembling a list", 8, 4, nil
	}
	out := ""
	for i := 0; i < 2; i++ {
		s.questions++
		out += fmt.Sprintf("%d. Is it question %d?\n", i+1, s.questions)
	}
	return out, 8, 4, nil
}

func (s *stubProvider) TopLogProbs(_ context.Context, messages []provider.Message, _ string) ([]provider.TopLogProb, int64, int64, error) {
	hypothesis := strings.TrimPrefix(messages[0].Content, "lik:")
	if lps, ok := s.logprobs[hypothesis]; ok {
		return lps, 2, 1, nil
	}
	// Uninformative: both numbered answers equally likely.
	return []provider.TopLogProb{{Token: "1", LogProb: -1}, {Token: "2", LogProb: -1}}, 2, 1, nil
}

func (s *stubProvider) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
		vec := make([]float32, 64)
		vec[idx%64] = 1
		out[i] = vec
	}
	return out, nil
}

func (s *stubProvider) CalculateCost(in, out int64, _ string) float64 {
	return float64(in+out) / 1000
}

type stubDomain struct {
	hypotheses    []string
	answer        string
	badQuestioner bool
}

func (d *stubDomain) Name() string            { return "stub" }
func (d *stubDomain) Info() string            { return "stub task" }
func (d *stubDomain) Hypotheses() []string    { return d.hypotheses }
func (d *stubDomain) Answer() string          { return d.answer }
func (d *stubDomain) DefaultAnswers() []string { return []string{"Yes", "No"} }

func (d *stubDomain) QuestionPrompt(*belief.State, []search.Turn, int) []provider.Message {
	if d.badQuestioner {
		return []provider.Message{{Role: "user", Content: "unparseable"}}
	}
	return []provider.Message{{Role: "user", Content: "propose"}}
}

func (d *stubDomain) LikelihoodPrompt(hypothesis, _ string, _ []string) []provider.Message {
	return []provider.Message{{Role: "user", Content: "lik:" + hypothesis}}
}

func (d *stubDomain) AnswerPrompt(string, []string) ([]provider.Message, error) {
	return []provider.Message{{Role: "user", Content: "answer"}}, nil
}

func plannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		ConversationDepth:   20,
		MaxQuestionNodes:    2,
		MaxLookaheadDepth:   1,
		ConfidenceThreshold: 0.8,
		EstimatorConfidence: 1.0,
		SharpnessConstant:   0.4,
		MinProbability:      1e-9,
	}
}

func newController(p *stubProvider, d task.Domain, cfg config.PlannerConfig) *Controller {
	questioner := provider.NewSession("questioner-model")
	answerer := provider.NewSession("answerer-model")
	clusterer := cluster.New(p, 0.1)
	proposer := propose.New(p, questioner, clusterer, cfg.MaxQuestionNodes)
	estimator := oracle.New(p, questioner, d.LikelihoodPrompt)
	searcher := search.New(proposer, estimator, d, cfg)
	return NewController(d, searcher, task.NewMatcher(p), p, questioner, answerer, cfg)
}

// An unparseable proposer output on the very first turn ends the run with the
// prior as guess.
func TestRunTerminatesWhenExhausted(t *testing.T) {
	p := &stubProvider{answerOutput: "Yes"}
	d := &stubDomain{hypotheses: []string{"A", "B"}, answer: "A", badQuestioner: true}
	ctrl := newController(p, d, plannerConfig())

	record, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Termination != TerminationExhausted {
		t.Fatalf("termination = %q, want exhausted", record.Termination)
	}
	if len(record.Turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(record.Turns))
	}
	if len(record.Top3) != 2 {
		t.Fatalf("expected guesses from the prior, got %v", record.Top3)
	}
}

// Confidence threshold 0.8: a single answer pushing the top hypothesis to
// 0.82 stops the conversation well before the depth limit.
func TestRunTerminatesOnConfidence(t *testing.T) {
	p := &stubProvider{
		answerOutput: "Yes",
		logprobs: map[string][]provider.TopLogProb{
			"A": {{Token: "1", LogProb: math.Log(0.82)}, {Token: "2", LogProb: math.Log(0.18)}},
			"B": {{Token: "1", LogProb: math.Log(0.18)}, {Token: "2", LogProb: math.Log(0.82)}},
		},
	}
	d := &stubDomain{hypotheses: []string{"A", "B"}, answer: "A"}
	ctrl := newController(p, d, plannerConfig())

	record, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Termination != TerminationConfident {
		t.Fatalf("termination = %q, want confident", record.Termination)
	}
	if len(record.Turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(record.Turns))
	}
	if record.Top1 != "A" {
		t.Fatalf("top guess = %q, want A", record.Top1)
	}
	if math.Abs(record.FinalBelief["A"]-0.82) > 1e-9 {
		t.Fatalf("final belief A = %v, want 0.82", record.FinalBelief["A"])
	}
	// Root + one question + one evidence entry.
	if len(record.FinalPath) != 3 {
		t.Fatalf("final path %v", record.FinalPath)
	}
	if record.Questioner.InputTokens == 0 || record.Answerer.InputTokens == 0 {
		t.Fatalf("token accounting missing: %+v %+v", record.Questioner, record.Answerer)
	}
	if record.SerialisedTree == nil || len(record.SerialisedTree.Children) == 0 {
		t.Fatalf("serialised tree missing")
	}
}

// Uninformative answers never reach the confidence threshold, so the depth
// limit ends the run.
func TestRunTerminatesOnDepth(t *testing.T) {
	p := &stubProvider{answerOutput: "Yes"}
	d := &stubDomain{hypotheses: []string{"A", "B"}, answer: "A"}
	cfg := plannerConfig()
	cfg.ConversationDepth = 2
	ctrl := newController(p, d, cfg)

	record, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Termination != TerminationDepth {
		t.Fatalf("termination = %q, want depth", record.Termination)
	}
	if len(record.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(record.Turns))
	}
	for h, mass := range record.FinalBelief {
		if math.Abs(mass-0.5) > 1e-9 {
			t.Fatalf("belief for %s drifted to %v on uninformative answers", h, mass)
		}
	}
}

func TestRunRecordsAnswererFailure(t *testing.T) {
	p := &stubProvider{answerErr: errors.New("answerer down")}
	d := &stubDomain{hypotheses: []string{"A", "B"}, answer: "A"}
	ctrl := newController(p, d, plannerConfig())

	record, err := ctrl.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error from failed answerer")
	}
	if record.Termination != TerminationFailed {
		t.Fatalf("termination = %q, want failed", record.Termination)
	}
	if record.FailureReason == "" {
		t.Fatalf("failure reason not recorded")
	}
}
