package cluster

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
)

// serialised mirrors the on-disk JSON assignment file. Vectors live in a gob
// companion so the JSON stays human-readable.
type serialised struct {
	Threshold float64            `json:"threshold"`
	Clusters  []serialisedEntry  `json:"clusters"`
}

type serialisedEntry struct {
	ID          int64                         `json:"id"`
	Texts       map[string]int                `json:"texts"`
	Likelihoods map[string]map[string]float64 `json:"likelihoods"`
}

// Save writes the assignment file (JSON) and the vector companion (gob).
func (c *Clusterer) Save(jsonPath, vecPath string) error {
	c.mu.Lock()
	out := serialised{Threshold: c.threshold}
	for _, cl := range c.clusters {
		cl.Lock()
		out.Clusters = append(out.Clusters, serialisedEntry{
			ID:          cl.ID,
			Texts:       cl.Texts,
			Likelihoods: cl.Likelihoods,
		})
		cl.Unlock()
	}
	vectors := append([][]float32(nil), c.vectors...)
	c.mu.Unlock()

	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling cluster assignments: %w", err)
	}
	if err := os.WriteFile(jsonPath, body, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", jsonPath, err)
	}

	f, err := os.Create(vecPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", vecPath, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(vectors); err != nil {
		return fmt.Errorf("encoding cluster vectors: %w", err)
	}
	return nil
}

// Load restores a clusterer saved by Save. The embedder is still required for
// new assignments; the stored threshold wins over the argument when present.
func Load(embedder Embedder, jsonPath, vecPath string) (*Clusterer, error) {
	body, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", jsonPath, err)
	}
	var in serialised
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", jsonPath, err)
	}

	f, err := os.Open(vecPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", vecPath, err)
	}
	defer f.Close()
	var vectors [][]float32
	if err := gob.NewDecoder(f).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding cluster vectors: %w", err)
	}
	if len(vectors) != len(in.Clusters) {
		return nil, fmt.Errorf("vector file has %d entries for %d clusters", len(vectors), len(in.Clusters))
	}

	c := New(embedder, in.Threshold)
	for i, entry := range in.Clusters {
		cl := &Cluster{ID: entry.ID, Texts: entry.Texts, Likelihoods: entry.Likelihoods}
		if cl.Texts == nil {
			cl.Texts = make(map[string]int)
		}
		c.vectors = append(c.vectors, vectors[i])
		c.clusters = append(c.clusters, cl)
		c.byID[cl.ID] = cl
		for text := range cl.Texts {
			c.byText[text] = cl
		}
		if cl.ID >= c.nextLocal {
			c.nextLocal = cl.ID + 1
		}
	}
	return c, nil
}
