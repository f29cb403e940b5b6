// Package eval scores finished runs: guess accuracy, conversation length,
// token spend, and wall-clock duration, per run and aggregated per experiment
// directory.
package eval

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/inquest-ai/inquest/internal/dialogue"
)

// RunEval is the per-run scorecard.
type RunEval struct {
	RunID              string    `json:"run_id"`
	Top1               bool      `json:"top1"`
	Top3               bool      `json:"top3"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	ConversationLength int       `json:"conversation_length"`
	QuestionerInput    int64     `json:"questioner_input_tokens"`
	QuestionerOutput   int64     `json:"questioner_output_tokens"`
	AnswererInput      int64     `json:"answerer_input_tokens"`
	AnswererOutput     int64     `json:"answerer_output_tokens"`
}

// GroupEval aggregates one experiment directory.
type GroupEval struct {
	Experiment           string        `json:"experiment"`
	NumRuns              int           `json:"num_runs"`
	Top1                 float64       `json:"top1"`
	Top3                 float64       `json:"top3"`
	Duration             time.Duration `json:"duration"`
	MeanLength           float64       `json:"mean_conversation_length"`
	MeanLengthSuccessful float64       `json:"mean_conversation_length_in_successful_cases"`
	QuestionerInput      int64         `json:"questioner_input_tokens"`
	QuestionerOutput     int64         `json:"questioner_output_tokens"`
	AnswererInput        int64         `json:"answerer_input_tokens"`
	AnswererOutput       int64         `json:"answerer_output_tokens"`
	TotalCost            float64       `json:"total_cost"`
}

// Prices are dollars per one million tokens, split by role and direction.
type Prices struct {
	QuestionerInput  float64
	QuestionerOutput float64
	AnswererInput    float64
	AnswererOutput   float64
}

// DefaultPrices matches the deepseek-chat public pricing the benchmarks were
// costed with.
func DefaultPrices() Prices {
	return Prices{
		QuestionerInput:  0.28,
		QuestionerOutput: 0.42,
		AnswererInput:    0.28,
		AnswererOutput:   0.42,
	}
}

// EvalRun scores one record. Top-k correctness is judged against the final
// belief state rather than the stored guess fields, so re-evaluating old
// records with different k stays possible.
func EvalRun(record *dialogue.RunRecord) RunEval {
	guesses := make([]string, 0, len(record.FinalBelief))
	for h := range record.FinalBelief {
		guesses = append(guesses, h)
	}
	sort.Slice(guesses, func(i, j int) bool {
		pi, pj := record.FinalBelief[guesses[i]], record.FinalBelief[guesses[j]]
		if pi != pj {
			return pi > pj
		}
		return guesses[i] < guesses[j]
	})

	top1 := len(guesses) > 0 && guesses[0] == record.ExpectedAnswer
	top3 := false
	for i := 0; i < len(guesses) && i < 3; i++ {
		if guesses[i] == record.ExpectedAnswer {
			top3 = true
		}
	}

	return RunEval{
		RunID:              record.RunID,
		Top1:               top1,
		Top3:               top3,
		StartTime:          record.StartTime,
		EndTime:            record.EndTime,
		ConversationLength: len(record.FinalPath) / 2,
		QuestionerInput:    record.Questioner.InputTokens,
		QuestionerOutput:   record.Questioner.OutputTokens,
		AnswererInput:      record.Answerer.InputTokens,
		AnswererOutput:     record.Answerer.OutputTokens,
	}
}

// EvalGroup aggregates per-run scores. Duration spans from the earliest start
// to the latest end across the group, which is the batch wall-clock time when
// runs overlap.
func EvalGroup(experiment string, runs []RunEval, prices Prices) (GroupEval, error) {
	if len(runs) == 0 {
		return GroupEval{}, fmt.Errorf("no runs to evaluate for %s", experiment)
	}

	group := GroupEval{Experiment: experiment, NumRuns: len(runs)}
	var (
		top1, top3        int
		lengthSum         int
		successLengthSum  int
		successCount      int
		earliest, latest  = runs[0].StartTime, runs[0].EndTime
	)
	for _, r := range runs {
		if r.Top1 {
			top1++
			successLengthSum += r.ConversationLength
			successCount++
		}
		if r.Top3 {
			top3++
		}
		lengthSum += r.ConversationLength
		if r.StartTime.Before(earliest) {
			earliest = r.StartTime
		}
		if r.EndTime.After(latest) {
			latest = r.EndTime
		}
		group.QuestionerInput += r.QuestionerInput
		group.QuestionerOutput += r.QuestionerOutput
		group.AnswererInput += r.AnswererInput
		group.AnswererOutput += r.AnswererOutput
	}

	n := float64(len(runs))
	group.Top1 = float64(top1) / n
	group.Top3 = float64(top3) / n
	group.MeanLength = float64(lengthSum) / n
	if successCount > 0 {
		group.MeanLengthSuccessful = float64(successLengthSum) / float64(successCount)
	}
	group.Duration = latest.Sub(earliest)
	group.TotalCost = prices.QuestionerInput/1e6*float64(group.QuestionerInput) +
		prices.QuestionerOutput/1e6*float64(group.QuestionerOutput) +
		prices.AnswererInput/1e6*float64(group.AnswererInput) +
		prices.AnswererOutput/1e6*float64(group.AnswererOutput)
	return group, nil
}

// EvalDir loads every "*run.json" under dir, recursively, and aggregates it
// as one experiment named after the directory.
func EvalDir(dir string, prices Prices) (GroupEval, []RunEval, error) {
	var runs []RunEval
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), "run.json") {
			return nil
		}
		record, err := dialogue.LoadRecord(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		runs = append(runs, EvalRun(record))
		return nil
	})
	if err != nil {
		return GroupEval{}, nil, err
	}
	group, err := EvalGroup(filepath.Base(filepath.Clean(dir)), runs, prices)
	if err != nil {
		return GroupEval{}, nil, err
	}
	return group, runs, nil
}
