package server

import (
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/inquest-ai/inquest/internal/dialogue"
)

// transcriptDoc is what gets indexed per run: the dialogue flattened to text
// plus the fields worth filtering on.
type transcriptDoc struct {
	TaskInfo       string `json:"task_info"`
	ExpectedAnswer string `json:"expected_answer"`
	Top1Guess      string `json:"top1_guess"`
	Termination    string `json:"termination"`
	Transcript     string `json:"transcript"`
}

// SearchHit is one transcript search result.
type SearchHit struct {
	RunID          string  `json:"run_id"`
	TaskInfo       string  `json:"task_info"`
	ExpectedAnswer string  `json:"expected_answer"`
	Top1Guess      string  `json:"top1_guess"`
	Score          float64 `json:"score"`
	Rank           int     `json:"rank"`
	Snippet        string  `json:"snippet"`
}

// Index is a BM25 index over run transcripts, held in memory and rebuilt from
// the run source at startup.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	meta  map[string]transcriptDoc
}

func NewIndex() (*Index, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: index, meta: make(map[string]transcriptDoc)}, nil
}

// Add indexes one run. Re-adding the same run id replaces the document.
func (ix *Index) Add(record *dialogue.RunRecord) error {
	lines := make([]string, 0, len(record.Turns)*2)
	for _, turn := range record.Turns {
		lines = append(lines, "Q: "+turn.Question, "A: "+turn.Answer)
	}
	doc := transcriptDoc{
		TaskInfo:       record.TaskInfo,
		ExpectedAnswer: record.ExpectedAnswer,
		Top1Guess:      record.Top1,
		Termination:    record.Termination,
		Transcript:     strings.Join(lines, "\n"),
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta[record.RunID] = doc
	return ix.bleve.Index(record.RunID, doc)
}

// Search runs a query-string query and returns up to k hits with snippets.
func (ix *Index) Search(q string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := ix.bleve.Search(searchReq)
	if err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []SearchHit
	for i, hit := range res.Hits {
		doc := ix.meta[hit.ID]
		out = append(out, SearchHit{
			RunID:          hit.ID,
			TaskInfo:       doc.TaskInfo,
			ExpectedAnswer: doc.ExpectedAnswer,
			Top1Guess:      doc.Top1Guess,
			Score:          hit.Score,
			Rank:           i + 1,
			Snippet:        snippet(doc.Transcript),
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func snippet(text string) string {
	const max = 240
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
