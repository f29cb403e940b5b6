// Package cluster groups semantically equivalent questions and answers so the
// planning tree branches over meanings, not phrasings. A cluster also carries
// the likelihood table estimated for its question, which is what makes
// re-asked (paraphrased) questions cheap: the table is reused and only
// hypotheses never seen before are estimated again.
package cluster

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
)

// Embedder is the embedding capability the clusterer depends on.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Cluster is one equivalence class of texts. The mutex serialises likelihood
// estimation across concurrent planning branches that hit the same cluster.
type Cluster struct {
	sync.Mutex

	ID    int64          `json:"id"`
	Texts map[string]int `json:"texts"` // phrasing -> times seen
	// Likelihoods maps hypothesis -> answer -> probability.
	Likelihoods map[string]map[string]float64 `json:"likelihoods"`
}

// Hypotheses returns the hypotheses that already have likelihood rows.
func (c *Cluster) Hypotheses() []string {
	out := make([]string, 0, len(c.Likelihoods))
	for h := range c.Likelihoods {
		out = append(out, h)
	}
	return out
}

// Answers returns the answer set of the stored likelihood table, empty when
// nothing has been estimated yet.
func (c *Cluster) Answers() []string {
	for _, row := range c.Likelihoods {
		out := make([]string, 0, len(row))
		for a := range row {
			out = append(out, a)
		}
		return out
	}
	return nil
}

// LikelihoodRow returns hypothesis -> P(answer | hypothesis) for one answer.
func (c *Cluster) LikelihoodRow(answer string) map[string]float64 {
	row := make(map[string]float64, len(c.Likelihoods))
	for h, answers := range c.Likelihoods {
		row[h] = answers[answer]
	}
	return row
}

// SetLikelihoods merges freshly estimated rows into the table. Callers must
// hold the cluster lock.
func (c *Cluster) SetLikelihoods(rows map[string]map[string]float64) {
	if c.Likelihoods == nil {
		c.Likelihoods = make(map[string]map[string]float64, len(rows))
	}
	for h, row := range rows {
		c.Likelihoods[h] = row
	}
}

// Registry mints globally unique cluster ids when the cache is shared across
// processes. A nil registry means ids are process-local.
type Registry interface {
	// Reserve returns the id for a canonical text, creating it atomically if
	// two workers race on the same new text.
	Reserve(ctx context.Context, canonical string) (int64, error)
}

// Clusterer assigns texts to clusters by embedding similarity. It is the one
// piece of mutable state shared by concurrent planning branches, so all index
// mutations happen under its mutex.
type Clusterer struct {
	mu        sync.Mutex
	threshold float64
	embedder  Embedder
	registry  Registry
	logger    *log.Logger

	vectors   [][]float32 // prototype embedding per cluster, parallel to clusters
	clusters  []*Cluster
	byText    map[string]*Cluster // exact-text shortcut, keeps Assign idempotent
	byID      map[int64]*Cluster
	nextLocal int64
}

// New creates an empty clusterer. Texts whose embedding distance to the
// nearest prototype is within threshold join that cluster; a stricter
// (smaller) threshold therefore splits near-paraphrases apart.
func New(embedder Embedder, threshold float64) *Clusterer {
	return &Clusterer{
		threshold: threshold,
		embedder:  embedder,
		logger:    log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags),
		byText:    make(map[string]*Cluster),
		byID:      make(map[int64]*Cluster),
	}
}

// WithRegistry attaches a shared id registry (used when the cache is shared
// across worker processes).
func (c *Clusterer) WithRegistry(r Registry) *Clusterer {
	c.registry = r
	return c
}

// Threshold returns the configured distance threshold.
func (c *Clusterer) Threshold() float64 { return c.threshold }

// Len returns the number of clusters.
func (c *Clusterer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clusters)
}

// Assign returns the cluster for a text, creating one when nothing in the
// index is close enough. For a fixed cache state, repeated calls with the
// same text always return the same cluster.
func (c *Clusterer) Assign(ctx context.Context, text string) (*Cluster, error) {
	c.mu.Lock()
	if cl, ok := c.byText[text]; ok {
		cl.Lock()
		cl.Texts[text]++
		cl.Unlock()
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	// Embedding happens outside the lock: it is the slow, blocking part.
	vecs, err := c.embedder.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding %q: %w", text, err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for %q", text)
	}
	vec := vecs[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another branch may have assigned the same text while we embedded.
	if cl, ok := c.byText[text]; ok {
		cl.Lock()
		cl.Texts[text]++
		cl.Unlock()
		return cl, nil
	}

	if best, dist := c.nearest(vec); best != nil && dist <= c.threshold {
		best.Lock()
		best.Texts[text]++
		best.Unlock()
		c.byText[text] = best
		return best, nil
	}

	id, err := c.mintID(ctx, text)
	if err != nil {
		return nil, err
	}
	if existing, ok := c.byID[id]; ok {
		// The registry handed back an id another worker just minted for an
		// equivalent text; fold into it rather than duplicating.
		existing.Lock()
		existing.Texts[text]++
		existing.Unlock()
		c.byText[text] = existing
		return existing, nil
	}

	cl := &Cluster{ID: id, Texts: map[string]int{text: 1}}
	c.vectors = append(c.vectors, vec)
	c.clusters = append(c.clusters, cl)
	c.byText[text] = cl
	c.byID[id] = cl
	return cl, nil
}

// Clusters returns a snapshot of the cluster list.
func (c *Clusterer) Clusters() []*Cluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Cluster(nil), c.clusters...)
}

func (c *Clusterer) mintID(ctx context.Context, text string) (int64, error) {
	if c.registry == nil {
		id := c.nextLocal
		c.nextLocal++
		return id, nil
	}
	id, err := c.registry.Reserve(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("reserving shared cluster id: %w", err)
	}
	if id >= c.nextLocal {
		c.nextLocal = id + 1
	}
	return id, nil
}

// nearest does a brute-force scan over prototypes. Cluster counts stay small
// (tens per run), so an approximate index would be overkill.
func (c *Clusterer) nearest(vec []float32) (*Cluster, float64) {
	bestDist := math.Inf(1)
	var best *Cluster
	for i, proto := range c.vectors {
		d := 1 - cosine(vec, proto)
		if d < bestDist {
			bestDist = d
			best = c.clusters[i]
		}
	}
	return best, bestDist
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
