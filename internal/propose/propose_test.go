package propose

import (
	"context"
	"errors"
	"testing"

	"github.com/inquest-ai/inquest/internal/cluster"
	"github.com/inquest-ai/inquest/provider"
)

type stubProvider struct {
	output string
}

func (s *stubProvider) Generate(context.Context, []provider.Message, string) (string, int64, int64, error) {
	return s.output, 5, 5, nil
}

func (s *stubProvider) TopLogProbs(context.Context, []provider.Message, string) ([]provider.TopLogProb, int64, int64, error) {
	return nil, 0, 0, nil
}

func (s *stubProvider) CreateEmbedding(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func (s *stubProvider) CalculateCost(int64, int64, string) float64 { return 0 }

// orthoEmbedder gives every new text its own axis, so nothing ever clusters
// together unless the threshold allows identical texts only.
type orthoEmbedder struct {
	seen map[string]int
}

func (o *orthoEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	if o.seen == nil {
		o.seen = map[string]int{}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		idx, ok := o.seen[t]
		if !ok {
			idx = len(o.seen)
			o.seen[t] = idx
		}
		vec := make([]float32, 16)
		vec[idx%16] = 1
		out[i] = vec
	}
	return out, nil
}

// sameEmbedder maps every text to the same vector, so everything clusters.
type sameEmbedder struct{}

func (sameEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestParseCandidates(t *testing.T) {
	output := "Here are some questions:\n" +
		"1. Is it an animal?\n" +
		"  2. Did you see the victim that night?|Yes|No|I refuse to answer\n" +
		"not a list line\n" +
		"3. \n"

	cands := ParseCandidates(output, []string{"Yes", "No"})
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(cands), cands)
	}
	if cands[0].Question != "Is it an animal?" {
		t.Fatalf("unexpected first question: %q", cands[0].Question)
	}
	if len(cands[0].Answers) != 2 || cands[0].Answers[0] != "Yes" {
		t.Fatalf("expected default answers, got %v", cands[0].Answers)
	}
	if len(cands[1].Answers) != 3 || cands[1].Answers[2] != "I refuse to answer" {
		t.Fatalf("expected inline answers, got %v", cands[1].Answers)
	}
}

func TestProposeDeduplicatesAndCaps(t *testing.T) {
	p := &stubProvider{output: "1. Is it alive?\n2. Is it living?\n3. Is it man-made?\n4. Is it bigger than a car?"}
	c := cluster.New(sameEmbedder{}, 0.5)
	prop := New(p, provider.NewSession("m"), c, 2)

	// Every question embeds identically, so only the first survives dedup.
	got, err := prop.Propose(context.Background(), []provider.Message{{Role: "user", Content: "go"}}, []string{"Yes", "No"}, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 proposal after dedup, got %d", len(got))
	}
	if got[0].Question != "Is it alive?" {
		t.Fatalf("dedup should keep the first proposal, got %q", got[0].Question)
	}
}

func TestProposeCapsAtMaxNodes(t *testing.T) {
	p := &stubProvider{output: "1. q one?\n2. q two?\n3. q three?"}
	c := cluster.New(&orthoEmbedder{}, 0.1)
	prop := New(p, provider.NewSession("m"), c, 2)

	got, err := prop.Propose(context.Background(), nil, []string{"Yes", "No"}, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(got))
	}
}

func TestProposeSkipsAlreadyAsked(t *testing.T) {
	c := cluster.New(&orthoEmbedder{}, 0.1)
	askedCluster, err := c.Assign(context.Background(), "q one?")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	p := &stubProvider{output: "1. q one?\n2. q two?"}
	prop := New(p, provider.NewSession("m"), c, 5)

	got, err := prop.Propose(context.Background(), nil, []string{"Yes", "No"}, map[int64]bool{askedCluster.ID: true})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(got) != 1 || got[0].Question != "q two?" {
		t.Fatalf("expected only the unasked question, got %v", got)
	}
}

func TestProposeExhausted(t *testing.T) {
	p := &stubProvider{output: "I could not think of anything."}
	c := cluster.New(&orthoEmbedder{}, 0.1)
	prop := New(p, provider.NewSession("m"), c, 2)

	_, err := prop.Propose(context.Background(), nil, []string{"Yes", "No"}, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}
