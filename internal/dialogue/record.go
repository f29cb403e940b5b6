package dialogue

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/search"
)

// SessionUsage is one role's token consumption over a run.
type SessionUsage struct {
	ModelKey     string `json:"model_key"`
	InputTokens  int64  `json:"total_input_tokens"`
	OutputTokens int64  `json:"total_output_tokens"`
}

// TurnRecord is one completed real exchange with the belief it produced.
type TurnRecord struct {
	Question string             `json:"question"`
	Answer   string             `json:"answer"`
	Belief   map[string]float64 `json:"belief_state"`
	Guesses  []belief.Guess     `json:"top_guesses"`
}

// Termination reasons.
const (
	TerminationConfident = "confident"
	TerminationDepth     = "depth"
	TerminationExhausted = "exhausted"
	TerminationFailed    = "failed"
)

// RunRecord is the full transcript of one conversation. It is append-only
// while the run is live and serialised once at the end.
type RunRecord struct {
	RunID          string                     `json:"run_id"`
	TaskInfo       string                     `json:"task_info"`
	ExpectedAnswer string                     `json:"expected_answer"`
	Questioner     SessionUsage               `json:"questioner_session"`
	Answerer       SessionUsage               `json:"answerer_session"`
	StartTime      time.Time                  `json:"start_time"`
	EndTime        time.Time                  `json:"end_time"`
	Termination    string                     `json:"termination"`
	Turns          []TurnRecord               `json:"turns"`
	FinalPath      []string                   `json:"final_path"`
	FinalBelief    map[string]float64         `json:"final_belief_state"`
	Top1           string                     `json:"top1_guess"`
	Top3           []string                   `json:"top3_guesses"`
	SerialisedTree *search.SerializedEvidence `json:"serialised_tree"`
	FailureReason  string                     `json:"failure_reason,omitempty"`
}

// ConversationLength is the number of real question/answer exchanges.
func (r *RunRecord) ConversationLength() int { return len(r.Turns) }

// Save writes the record as indented JSON.
func (r *RunRecord) Save(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling run record: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing run record: %w", err)
	}
	return nil
}

// LoadRecord reads a run record back for evaluation or serving.
func LoadRecord(path string) (*RunRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run record: %w", err)
	}
	var record RunRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("parsing run record %s: %w", path, err)
	}
	return &record, nil
}
