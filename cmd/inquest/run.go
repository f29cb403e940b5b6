package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/cluster"
	"github.com/inquest-ai/inquest/internal/dialogue"
	"github.com/inquest-ai/inquest/internal/store"
	"github.com/inquest-ai/inquest/internal/task"
	"github.com/inquest-ai/inquest/internal/telemetry"
	"github.com/inquest-ai/inquest/provider"
)

func runCMD() *cobra.Command {
	var (
		cfgPath      string
		providerName string

		taskName string
		cases    string
		startIdx int
		endIdx   int

		questionerModel string
		answererModel   string
		outputDir       string

		conversationDepth   int
		maxConcurrent       int
		maxQuestionNodes    int
		maxLookaheadDepth   int
		confidenceThreshold float64
		estimatorConfidence float64
		sharpnessConstant   float64
		minProbability      float64
		planAnswers         bool

		clusteringThreshold float64
		sharedCluster       bool
		resumeJSON          string
		resumeVec           string
	)

	var run = &cobra.Command{
		Use:   "run",
		Short: "Run a batch of question-asking conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("questioner_model") {
				cfg.LLM.Routing.Questioner = questionerModel
			}
			if flags.Changed("answerer_model") {
				cfg.LLM.Routing.Answerer = answererModel
			}
			if flags.Changed("output_dir") {
				cfg.General.OutputDir = outputDir
			}
			if flags.Changed("conversation_depth") {
				cfg.Planner.ConversationDepth = conversationDepth
			}
			if flags.Changed("max_concurrent") {
				cfg.General.MaxConcurrent = maxConcurrent
			}
			if flags.Changed("max_question_nodes") {
				cfg.Planner.MaxQuestionNodes = maxQuestionNodes
			}
			if flags.Changed("max_lookahead_depth") {
				cfg.Planner.MaxLookaheadDepth = maxLookaheadDepth
			}
			if flags.Changed("confidence_threshold") {
				cfg.Planner.ConfidenceThreshold = confidenceThreshold
			}
			if flags.Changed("estimator_confidence") {
				cfg.Planner.EstimatorConfidence = estimatorConfidence
			}
			if flags.Changed("sharpness_constant") {
				cfg.Planner.SharpnessConstant = sharpnessConstant
			}
			if flags.Changed("min_probability") {
				cfg.Planner.MinProbability = minProbability
			}
			if flags.Changed("plan_answers") {
				cfg.Planner.PlanAnswers = planAnswers
			}
			if flags.Changed("clustering_threshold") {
				cfg.Cluster.Threshold = clusteringThreshold
			}
			if flags.Changed("shared_cluster") {
				cfg.Cluster.Shared = sharedCluster
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			items, err := buildItems(taskName, cases, startIdx, endIdx, cfg.Planner.ConversationDepth)
			if err != nil {
				return err
			}

			p, err := buildProvider(cfg, providerName)
			if err != nil {
				return err
			}

			var metrics *telemetry.Metrics
			if cfg.Telemetry.Enabled {
				metrics = telemetry.New(prometheus.DefaultRegisterer)
			}

			ctx := context.Background()
			var archiver dialogue.Archiver
			if cfg.Storage.Postgres.Enabled() {
				st, err := store.Open(ctx, cfg.Storage.Postgres)
				if err != nil {
					return fmt.Errorf("opening run archive: %w", err)
				}
				defer st.Close()
				archiver = st
			}

			batch := dialogue.NewBatch(cfg, p, metrics, archiver)
			batch.ResumeJSON = resumeJSON
			batch.ResumeVec = resumeVec
			if cfg.Cluster.Shared && cfg.Storage.Redis.Enabled() {
				registry, err := cluster.NewRedisRegistry(ctx, cfg.Storage.Redis, "inquest:cluster")
				if err != nil {
					return fmt.Errorf("connecting cluster registry: %w", err)
				}
				batch.WithRegistry(registry)
			}

			records, err := batch.Run(ctx, items, cfg.General.OutputDir)
			if err != nil {
				return err
			}
			fmt.Printf("completed %d runs, records in %s\n", len(records), cfg.General.OutputDir)
			return nil
		},
	}

	run.Flags().StringVar(&taskName, "task", "twentyq", "benchmark task: twentyq or detective")
	run.Flags().StringVar(&cases, "cases", "", "detective cases JSON file (required for --task detective)")
	run.Flags().IntVar(&startIdx, "start_idx", 0, "first instance index to run")
	run.Flags().IntVar(&endIdx, "end_idx", 0, "one past the last instance index (0 = all)")
	run.Flags().StringVar(&questionerModel, "questioner_model", "", "model key for the questioner role")
	run.Flags().StringVar(&answererModel, "answerer_model", "", "model key for the answerer role")
	run.Flags().StringVar(&outputDir, "output_dir", "", "directory for run and cluster artifacts")
	run.Flags().IntVar(&conversationDepth, "conversation_depth", 20, "maximum number of questions per conversation")
	run.Flags().IntVar(&maxConcurrent, "max_concurrent", 6, "conversations running in parallel")
	run.Flags().IntVar(&maxQuestionNodes, "max_question_nodes", 2, "question candidates kept per node")
	run.Flags().IntVar(&maxLookaheadDepth, "max_lookahead_depth", 3, "planning tree depth in questions")
	run.Flags().Float64Var(&confidenceThreshold, "confidence_threshold", 0.8, "posterior mass that ends the conversation")
	run.Flags().Float64Var(&estimatorConfidence, "estimator_confidence", 0.7, "weight of estimated likelihoods vs uniform")
	run.Flags().Float64Var(&sharpnessConstant, "sharpness_constant", 0.4, "specificity penalty strength")
	run.Flags().Float64Var(&minProbability, "min_probability", 1.0/25000, "pruning floor for hypotheses and answers")
	run.Flags().BoolVar(&planAnswers, "plan_answers", false, "pre-plan the next turn for the most likely answer")
	run.Flags().Float64Var(&clusteringThreshold, "clustering_threshold", 1.0, "cosine distance cutoff for joining a question cluster")
	run.Flags().BoolVar(&sharedCluster, "shared_cluster", false, "share one cluster cache across all conversations")
	run.Flags().StringVar(&resumeJSON, "resume_clusters", "", "cluster cache JSON to resume from")
	run.Flags().StringVar(&resumeVec, "resume_vectors", "", "cluster vector file matching --resume_clusters")
	run.Flags().StringVar(&providerName, "provider", "", "llm provider name from config (default: sole entry)")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return run
}

// buildItems expands the index range into concrete task instances.
func buildItems(taskName, cases string, startIdx, endIdx, conversationDepth int) ([]dialogue.Item, error) {
	switch taskName {
	case "twentyq":
		entities := task.CommonEntities
		if endIdx <= 0 || endIdx > len(entities) {
			endIdx = len(entities)
		}
		if startIdx < 0 || startIdx >= endIdx {
			return nil, fmt.Errorf("index range [%d, %d) is empty", startIdx, endIdx)
		}
		items := make([]dialogue.Item, 0, endIdx-startIdx)
		for i := startIdx; i < endIdx; i++ {
			domain, err := task.NewTwentyQ(entities[i], nil)
			if err != nil {
				return nil, err
			}
			items = append(items, dialogue.Item{Index: i, Domain: domain})
		}
		return items, nil
	case "detective":
		if cases == "" {
			return nil, fmt.Errorf("--cases is required for the detective task")
		}
		loaded, err := task.LoadCases(cases)
		if err != nil {
			return nil, err
		}
		if endIdx <= 0 || endIdx > len(loaded) {
			endIdx = len(loaded)
		}
		if startIdx < 0 || startIdx >= endIdx {
			return nil, fmt.Errorf("index range [%d, %d) is empty", startIdx, endIdx)
		}
		items := make([]dialogue.Item, 0, endIdx-startIdx)
		for i := startIdx; i < endIdx; i++ {
			domain, err := task.NewDetective(loaded[i], conversationDepth)
			if err != nil {
				return nil, fmt.Errorf("case %d: %w", i, err)
			}
			items = append(items, dialogue.Item{Index: i, Domain: domain})
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unknown task %q (want twentyq or detective)", taskName)
	}
}

// buildProvider resolves which configured provider to use.
func buildProvider(cfg *config.Config, name string) (provider.Provider, error) {
	if name != "" {
		pc, ok := cfg.LLM.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm provider %q not configured", name)
		}
		return provider.NewProvider(pc)
	}
	if len(cfg.LLM.Providers) == 0 {
		return nil, fmt.Errorf("no llm providers configured (llm.providers)")
	}
	if len(cfg.LLM.Providers) == 1 {
		for _, pc := range cfg.LLM.Providers {
			return provider.NewProvider(pc)
		}
	}
	names := make([]string, 0, len(cfg.LLM.Providers))
	for n := range cfg.LLM.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("multiple llm providers configured (%v), pick one with --provider", names)
}
