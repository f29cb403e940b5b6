package eval

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/inquest-ai/inquest/internal/dialogue"
)

func record(expected string, belief map[string]float64, turns int, start, end time.Time) *dialogue.RunRecord {
	path := []string{"Answer: 'ROOT'"}
	for i := 0; i < turns; i++ {
		path = append(path, "Question: 'q'", "Answer: 'Yes'")
	}
	return &dialogue.RunRecord{
		RunID:          "r",
		ExpectedAnswer: expected,
		FinalBelief:    belief,
		FinalPath:      path,
		StartTime:      start,
		EndTime:        end,
		Questioner:     dialogue.SessionUsage{ModelKey: "q", InputTokens: 1000, OutputTokens: 500},
		Answerer:       dialogue.SessionUsage{ModelKey: "a", InputTokens: 200, OutputTokens: 100},
	}
}

func TestEvalRunTopK(t *testing.T) {
	now := time.Now()
	belief := map[string]float64{"cat": 0.5, "dog": 0.3, "fox": 0.15, "owl": 0.05}

	r := EvalRun(record("cat", belief, 4, now, now.Add(time.Minute)))
	if !r.Top1 || !r.Top3 {
		t.Fatalf("top-ranked hypothesis should score top1 and top3: %+v", r)
	}
	if r.ConversationLength != 4 {
		t.Fatalf("conversation length = %d, want 4", r.ConversationLength)
	}

	r = EvalRun(record("fox", belief, 4, now, now))
	if r.Top1 || !r.Top3 {
		t.Fatalf("third-ranked hypothesis should score top3 only: %+v", r)
	}

	r = EvalRun(record("owl", belief, 4, now, now))
	if r.Top1 || r.Top3 {
		t.Fatalf("fourth-ranked hypothesis should miss both: %+v", r)
	}
}

func TestEvalGroupAggregates(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	belief := map[string]float64{"cat": 0.9, "dog": 0.1}
	runs := []RunEval{
		EvalRun(record("cat", belief, 3, base, base.Add(2*time.Minute))),
		EvalRun(record("cat", belief, 5, base.Add(time.Minute), base.Add(4*time.Minute))),
		EvalRun(record("dog", belief, 10, base.Add(30*time.Second), base.Add(3*time.Minute))),
	}

	group, err := EvalGroup("exp", runs, DefaultPrices())
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if group.NumRuns != 3 {
		t.Fatalf("num runs = %d", group.NumRuns)
	}
	if math.Abs(group.Top1-2.0/3.0) > 1e-12 {
		t.Fatalf("top1 = %v", group.Top1)
	}
	if group.Top3 != 1.0 {
		t.Fatalf("top3 = %v", group.Top3)
	}
	if math.Abs(group.MeanLength-6.0) > 1e-12 {
		t.Fatalf("mean length = %v", group.MeanLength)
	}
	// Only the two correct runs count: (3+5)/2.
	if math.Abs(group.MeanLengthSuccessful-4.0) > 1e-12 {
		t.Fatalf("mean successful length = %v", group.MeanLengthSuccessful)
	}
	// Earliest start to latest end, not the sum of run durations.
	if group.Duration != 4*time.Minute {
		t.Fatalf("duration = %v", group.Duration)
	}
	if group.QuestionerInput != 3000 || group.AnswererOutput != 300 {
		t.Fatalf("token totals: %+v", group)
	}
	wantCost := 0.28/1e6*3000 + 0.42/1e6*1500 + 0.28/1e6*600 + 0.42/1e6*300
	if math.Abs(group.TotalCost-wantCost) > 1e-12 {
		t.Fatalf("cost = %v, want %v", group.TotalCost, wantCost)
	}
}

func TestEvalGroupNoSuccessfulRuns(t *testing.T) {
	belief := map[string]float64{"cat": 0.9, "dog": 0.1}
	runs := []RunEval{EvalRun(record("dog", belief, 7, time.Now(), time.Now()))}
	group, err := EvalGroup("exp", runs, DefaultPrices())
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if group.MeanLengthSuccessful != 0 {
		t.Fatalf("mean successful length = %v, want 0", group.MeanLengthSuccessful)
	}
}

func TestEvalGroupEmpty(t *testing.T) {
	if _, err := EvalGroup("exp", nil, DefaultPrices()); err == nil {
		t.Fatalf("expected error on empty group")
	}
}

func TestEvalDir(t *testing.T) {
	dir := t.TempDir()
	belief := map[string]float64{"cat": 0.9, "dog": 0.1}
	now := time.Now().UTC()

	rec := record("cat", belief, 2, now, now.Add(time.Minute))
	if err := rec.Save(filepath.Join(dir, "0_run.json")); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec = record("dog", belief, 3, now, now.Add(time.Minute))
	if err := rec.Save(filepath.Join(dir, "1_run.json")); err != nil {
		t.Fatalf("save: %v", err)
	}

	group, runs, err := EvalDir(dir, DefaultPrices())
	if err != nil {
		t.Fatalf("eval dir: %v", err)
	}
	if len(runs) != 2 || group.NumRuns != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if group.Top1 != 0.5 {
		t.Fatalf("top1 = %v", group.Top1)
	}
	if group.Experiment != filepath.Base(dir) {
		t.Fatalf("experiment = %q", group.Experiment)
	}
}
