package dialogue

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/cluster"
	"github.com/inquest-ai/inquest/internal/oracle"
	"github.com/inquest-ai/inquest/internal/propose"
	"github.com/inquest-ai/inquest/internal/search"
	"github.com/inquest-ai/inquest/internal/task"
	"github.com/inquest-ai/inquest/internal/telemetry"
	"github.com/inquest-ai/inquest/provider"
)

// Item is one conversation in a batch.
type Item struct {
	Index  int
	Domain task.Domain
}

// Archiver persists finished runs to durable storage. Optional.
type Archiver interface {
	SaveRun(ctx context.Context, record *RunRecord) error
}

// Batch fans a set of conversations out over a bounded worker pool. Items are
// isolated: one failed conversation is recorded and the rest keep going.
type Batch struct {
	cfg      *config.Config
	provider provider.Provider
	metrics  *telemetry.Metrics
	archiver Archiver
	shared   *cluster.Clusterer
	registry cluster.Registry
	logger   *log.Logger

	// ResumeJSON/ResumeVec reload a previous cluster cache into every item's
	// clusterer (or the shared one) before running.
	ResumeJSON string
	ResumeVec  string
}

func NewBatch(cfg *config.Config, p provider.Provider, metrics *telemetry.Metrics, archiver Archiver) *Batch {
	return &Batch{
		cfg:      cfg,
		provider: p,
		metrics:  metrics,
		archiver: archiver,
		logger:   log.New(log.Writer(), "[BATCH] ", log.LstdFlags),
	}
}

// WithRegistry attaches a shared cluster id registry (Redis-backed when the
// cache is shared across processes).
func (b *Batch) WithRegistry(r cluster.Registry) *Batch {
	b.registry = r
	return b
}

// Run executes all items with at most general.max_concurrent running at once.
// The returned records are ordered like the items; the error summarises item
// failures without having aborted the batch.
func (b *Batch) Run(ctx context.Context, items []Item, outputDir string) ([]*RunRecord, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	if b.cfg.Cluster.Shared {
		shared, err := b.newClusterer()
		if err != nil {
			return nil, err
		}
		b.shared = shared
	}

	records := make([]*RunRecord, len(items))
	var failures atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.General.MaxConcurrent)
	for i, item := range items {
		g.Go(func() error {
			record, err := b.runItem(gctx, item, outputDir)
			records[i] = record
			if err != nil {
				// Recorded as failed; the batch itself carries on.
				b.logger.Printf("[%d] run failed: %v", item.Index, err)
				failures.Add(1)
			} else {
				b.logger.Printf("[%d] completed run", item.Index)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}
	if n := failures.Load(); n > 0 {
		return records, fmt.Errorf("%d of %d runs failed", n, len(items))
	}
	return records, nil
}

func (b *Batch) runItem(ctx context.Context, item Item, outputDir string) (*RunRecord, error) {
	clusterer := b.shared
	if clusterer == nil {
		var err error
		clusterer, err = b.newClusterer()
		if err != nil {
			return nil, err
		}
	}

	questioner := provider.NewSession(b.cfg.LLM.Routing.Questioner)
	answerer := provider.NewSession(b.cfg.LLM.Routing.Answerer)

	proposer := propose.New(b.provider, questioner, clusterer, b.cfg.Planner.MaxQuestionNodes)
	estimator := oracle.New(b.provider, questioner, item.Domain.LikelihoodPrompt)
	searcher := search.New(proposer, estimator, item.Domain, b.cfg.Planner)
	matcher := task.NewMatcher(b.provider)

	controller := NewController(item.Domain, searcher, matcher, b.provider, questioner, answerer, b.cfg.Planner)
	record, runErr := controller.Run(ctx)

	b.observe(record)

	if err := record.Save(filepath.Join(outputDir, fmt.Sprintf("%d_run.json", item.Index))); err != nil {
		b.logger.Printf("[%d] saving record: %v", item.Index, err)
	}
	jsonPath := filepath.Join(outputDir, fmt.Sprintf("%d_cluster.json", item.Index))
	vecPath := filepath.Join(outputDir, fmt.Sprintf("%d_cluster.vec", item.Index))
	if err := clusterer.Save(jsonPath, vecPath); err != nil {
		b.logger.Printf("[%d] saving cluster cache: %v", item.Index, err)
	}
	if b.archiver != nil {
		if err := b.archiver.SaveRun(ctx, record); err != nil {
			b.logger.Printf("[%d] archiving run: %v", item.Index, err)
		}
	}
	return record, runErr
}

func (b *Batch) newClusterer() (*cluster.Clusterer, error) {
	if b.ResumeJSON != "" {
		c, err := cluster.Load(b.provider, b.ResumeJSON, b.ResumeVec)
		if err != nil {
			return nil, fmt.Errorf("resuming cluster cache: %w", err)
		}
		if b.registry != nil {
			c.WithRegistry(b.registry)
		}
		return c, nil
	}
	c := cluster.New(b.provider, b.cfg.Cluster.Threshold)
	if b.registry != nil {
		c.WithRegistry(b.registry)
	}
	return c, nil
}

func (b *Batch) observe(record *RunRecord) {
	if record == nil {
		return
	}
	duration := record.EndTime.Sub(record.StartTime).Seconds()
	b.metrics.ObserveRun(record.Termination, record.ConversationLength(), duration)
	b.metrics.ObserveTokens("questioner", record.Questioner.InputTokens, record.Questioner.OutputTokens)
	b.metrics.ObserveTokens("answerer", record.Answerer.InputTokens, record.Answerer.OutputTokens)
	cost := b.provider.CalculateCost(record.Questioner.InputTokens, record.Questioner.OutputTokens, record.Questioner.ModelKey) +
		b.provider.CalculateCost(record.Answerer.InputTokens, record.Answerer.OutputTokens, record.Answerer.ModelKey)
	b.metrics.ObserveCost(cost)
}
