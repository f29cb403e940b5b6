package search

import (
	"sync"

	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/cluster"
)

// The planning tree alternates evidence and question levels. Nodes live in an
// arena owned by one Plan call and are addressed by index, so concurrent
// branch expansion only contends on the append lock and the whole structure
// is dropped when the call returns.

type evidenceNode struct {
	answer   string
	belief   *belief.State
	marginal float64
	parent   int   // question index, -1 at the root
	children []int // question indices
}

type questionNode struct {
	question string
	answers  []string
	cluster  *cluster.Cluster
	parent   int   // evidence index
	children []int // evidence indices
}

type tree struct {
	mu       sync.Mutex
	evidence []*evidenceNode
	question []*questionNode
}

func newTree(root *belief.State) *tree {
	t := &tree{}
	t.evidence = append(t.evidence, &evidenceNode{
		answer:   "ROOT",
		belief:   root,
		marginal: 1.0,
		parent:   -1,
	})
	return t
}

func (t *tree) addQuestion(parent int, question string, answers []string, cl *cluster.Cluster) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.question)
	t.question = append(t.question, &questionNode{
		question: question,
		answers:  answers,
		cluster:  cl,
		parent:   parent,
	})
	t.evidence[parent].children = append(t.evidence[parent].children, idx)
	return idx
}

func (t *tree) addEvidence(parent int, answer string, state *belief.State, marginal float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.evidence)
	t.evidence = append(t.evidence, &evidenceNode{
		answer:   answer,
		belief:   state,
		marginal: marginal,
		parent:   parent,
	})
	t.question[parent].children = append(t.question[parent].children, idx)
	return idx
}

// evidenceAt and questionAt take the lock because concurrent branch expansion
// may be reallocating the arena slices underneath an index read. The node
// pointers themselves are safe to use after return: only the owning branch
// mutates a node's children.
func (t *tree) evidenceAt(idx int) *evidenceNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evidence[idx]
}

func (t *tree) questionAt(idx int) *questionNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.question[idx]
}

// SerializedEvidence and SerializedQuestion mirror the tree for the run
// record, alternating types down the structure.
type SerializedEvidence struct {
	Type     string               `json:"type"`
	Answer   string               `json:"answer"`
	Belief   map[string]float64   `json:"belief_state"`
	Marginal float64              `json:"marginal_likelihood"`
	Children []SerializedQuestion `json:"children"`
}

type SerializedQuestion struct {
	Type            string               `json:"type"`
	Question        string               `json:"question"`
	PossibleAnswers []string             `json:"possible_answers"`
	Children        []SerializedEvidence `json:"children"`
}

func (t *tree) serializeEvidence(idx int) SerializedEvidence {
	e := t.evidence[idx]
	out := SerializedEvidence{
		Type:     "evidence",
		Answer:   e.answer,
		Belief:   e.belief.Probs(),
		Marginal: e.marginal,
		Children: make([]SerializedQuestion, 0, len(e.children)),
	}
	for _, q := range e.children {
		out.Children = append(out.Children, t.serializeQuestion(q))
	}
	return out
}

func (t *tree) serializeQuestion(idx int) SerializedQuestion {
	q := t.question[idx]
	out := SerializedQuestion{
		Type:            "question",
		Question:        q.question,
		PossibleAnswers: append([]string(nil), q.answers...),
		Children:        make([]SerializedEvidence, 0, len(q.children)),
	}
	for _, e := range q.children {
		out.Children = append(out.Children, t.serializeEvidence(e))
	}
	return out
}
