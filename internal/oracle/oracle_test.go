package oracle

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/inquest-ai/inquest/provider"
)

type stubProvider struct {
	logprobs map[string][]provider.TopLogProb
	err      error
}

func (s *stubProvider) Generate(context.Context, []provider.Message, string) (string, int64, int64, error) {
	return "", 0, 0, nil
}

func (s *stubProvider) TopLogProbs(_ context.Context, messages []provider.Message, _ string) ([]provider.TopLogProb, int64, int64, error) {
	if s.err != nil {
		return nil, 0, 0, s.err
	}
	key := messages[0].Content
	return s.logprobs[key], 10, 1, nil
}

func (s *stubProvider) CreateEmbedding(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func (s *stubProvider) CalculateCost(int64, int64, string) float64 { return 0 }

func promptByHypothesis(hypothesis, _ string, _ []string) []provider.Message {
	return []provider.Message{{Role: "user", Content: hypothesis}}
}

func TestEstimateSoftmaxOverNumberTokens(t *testing.T) {
	p := &stubProvider{logprobs: map[string][]provider.TopLogProb{
		"dog": {
			{Token: "1", LogProb: -0.1},
			{Token: " 1", LogProb: -3.0}, // the better variant must win
			{Token: "2", LogProb: -2.4},
		},
	}}
	session := provider.NewSession("test-model")
	est := New(p, session, promptByHypothesis)

	rows, err := est.Estimate(context.Background(), "is it alive?", []string{"Yes", "No"}, []string{"dog"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	row := rows["dog"]

	wantYes := math.Exp(0.0) / (math.Exp(0.0) + math.Exp(-2.3))
	if math.Abs(row["Yes"]-wantYes) > 1e-9 {
		t.Fatalf("Yes prob = %v, want %v", row["Yes"], wantYes)
	}
	if math.Abs(row["Yes"]+row["No"]-1.0) > 1e-9 {
		t.Fatalf("row does not sum to 1: %v", row)
	}
	if session.InputTokens() != 10 || session.OutputTokens() != 1 {
		t.Fatalf("session accounting wrong: in=%d out=%d", session.InputTokens(), session.OutputTokens())
	}
}

func TestEstimateUniformWhenNoLogprobs(t *testing.T) {
	p := &stubProvider{logprobs: map[string][]provider.TopLogProb{}}
	est := New(p, provider.NewSession("m"), promptByHypothesis)

	rows, err := est.Estimate(context.Background(), "q", []string{"Yes", "No"}, []string{"rock"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if rows["rock"]["Yes"] != 0.5 || rows["rock"]["No"] != 0.5 {
		t.Fatalf("expected uniform fallback, got %v", rows["rock"])
	}
}

func TestEstimateUniformWhenNoNumberToken(t *testing.T) {
	p := &stubProvider{logprobs: map[string][]provider.TopLogProb{
		"cat": {{Token: "the", LogProb: -0.5}},
	}}
	est := New(p, provider.NewSession("m"), promptByHypothesis)

	rows, err := est.Estimate(context.Background(), "q", []string{"Yes", "No", "Maybe"}, []string{"cat"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	for a, prob := range rows["cat"] {
		if math.Abs(prob-1.0/3) > 1e-9 {
			t.Fatalf("answer %q = %v, want uniform third", a, prob)
		}
	}
}

func TestEstimateWrapsUnavailable(t *testing.T) {
	p := &stubProvider{err: errors.New("boom")}
	est := New(p, provider.NewSession("m"), promptByHypothesis)

	_, err := est.Estimate(context.Background(), "q", []string{"Yes", "No"}, []string{"dog", "cat"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEstimateCoversAllHypotheses(t *testing.T) {
	p := &stubProvider{logprobs: map[string][]provider.TopLogProb{
		"dog": {{Token: "1", LogProb: -0.1}},
		"cat": {{Token: "2", LogProb: -0.1}},
	}}
	est := New(p, provider.NewSession("m"), promptByHypothesis)

	rows, err := est.Estimate(context.Background(), "q", []string{"Yes", "No"}, []string{"dog", "cat"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows["dog"]["Yes"] != 1.0 {
		t.Fatalf("dog row: %v", rows["dog"])
	}
	if rows["cat"]["No"] != 1.0 {
		t.Fatalf("cat row: %v", rows["cat"])
	}
}
