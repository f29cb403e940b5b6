// Package propose generates candidate next questions and deduplicates them
// semantically before the search considers them.
package propose

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/inquest-ai/inquest/internal/cluster"
	"github.com/inquest-ai/inquest/provider"
)

// ErrExhausted means no distinct question could be produced for this turn. The
// controller treats it as a terminal condition and emits its current guesses.
var ErrExhausted = errors.New("question proposer exhausted")

// Candidate is one parsed question before deduplication.
type Candidate struct {
	Question string
	Answers  []string
}

// Proposal is a deduplicated question together with its semantic cluster. The
// cluster handle carries any likelihood table cached from earlier paraphrases
// of the same question.
type Proposal struct {
	Question string
	Answers  []string
	Cluster  *cluster.Cluster
}

// numberedLine matches "1. <text>" list items, tolerating leading whitespace.
var numberedLine = regexp.MustCompile(`^\s*\d+\.\s+(.*)`)

// ParseCandidates extracts questions from a model's numbered list. A line may
// enumerate its own answer set as "question|ans1|ans2"; lines without one get
// defaultAnswers (Yes/No for binary tasks).
func ParseCandidates(output string, defaultAnswers []string) []Candidate {
	var candidates []Candidate
	for _, line := range strings.Split(output, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[1])
		if text == "" {
			continue
		}
		parts := strings.Split(text, "|")
		question := strings.TrimSpace(parts[0])
		answers := defaultAnswers
		if len(parts) > 1 {
			answers = make([]string, 0, len(parts)-1)
			for _, p := range parts[1:] {
				if a := strings.TrimSpace(p); a != "" {
					answers = append(answers, a)
				}
			}
		}
		if question == "" || len(answers) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Question: question, Answers: answers})
	}
	return candidates
}

// Proposer asks the questioner model for candidates and collapses paraphrases
// through the cluster cache.
type Proposer struct {
	provider  provider.Provider
	session   *provider.Session
	clusterer *cluster.Clusterer
	maxNodes  int
	logger    *log.Logger
}

func New(p provider.Provider, session *provider.Session, c *cluster.Clusterer, maxNodes int) *Proposer {
	return &Proposer{
		provider:  p,
		session:   session,
		clusterer: c,
		maxNodes:  maxNodes,
		logger:    log.New(log.Writer(), "[PROPOSE] ", log.LstdFlags),
	}
}

// Propose runs the prompt, parses the numbered list, and returns up to
// maxNodes distinct questions in proposal order. Two paraphrases landing in
// the same cluster keep only the first, so later ranking ties resolve to the
// earliest proposal. Clusters listed in asked belong to questions already put
// to the real answerer and are skipped so the dialogue never repeats itself.
func (p *Proposer) Propose(ctx context.Context, messages []provider.Message, defaultAnswers []string, asked map[int64]bool) ([]Proposal, error) {
	output, in, out, err := p.provider.Generate(ctx, messages, p.session.ModelKey)
	if err != nil {
		return nil, fmt.Errorf("generating questions: %w", err)
	}
	p.session.Add(in, out)

	candidates := ParseCandidates(output, defaultAnswers)
	if len(candidates) == 0 {
		p.logger.Printf("no parseable questions in model output (%d bytes)", len(output))
		return nil, ErrExhausted
	}

	seen := make(map[int64]bool, len(candidates)+len(asked))
	for id := range asked {
		seen[id] = true
	}
	proposals := make([]Proposal, 0, p.maxNodes)
	for _, cand := range candidates {
		if len(proposals) >= p.maxNodes {
			break
		}
		cl, err := p.clusterer.Assign(ctx, cand.Question)
		if err != nil {
			return nil, fmt.Errorf("clustering question %q: %w", cand.Question, err)
		}
		if seen[cl.ID] {
			p.logger.Printf("dropping duplicate question %q (cluster %d)", cand.Question, cl.ID)
			continue
		}
		seen[cl.ID] = true
		proposals = append(proposals, Proposal{Question: cand.Question, Answers: cand.Answers, Cluster: cl})
	}

	if len(proposals) == 0 {
		return nil, ErrExhausted
	}
	return proposals, nil
}
