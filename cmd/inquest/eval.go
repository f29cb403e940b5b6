package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inquest-ai/inquest/internal/eval"
)

func evalCMD() *cobra.Command {
	var (
		paths  []string
		prices = eval.DefaultPrices()
	)

	var evalCmd = &cobra.Command{
		Use:   "eval",
		Short: "Score and compare experiment directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(paths) == 0 {
				return fmt.Errorf("at least one --paths directory is required")
			}

			groups := make([]eval.GroupEval, 0, len(paths))
			for _, dir := range paths {
				group, runs, err := eval.EvalDir(dir, prices)
				if err != nil {
					return fmt.Errorf("evaluating %s: %w", dir, err)
				}
				fmt.Printf("loaded %d runs from %s\n", len(runs), dir)
				groups = append(groups, group)
			}

			fmt.Printf("\n%-30s %8s %7s %7s %10s %14s %10s %12s\n",
				"experiment", "runs", "top1", "top3", "mean_len", "mean_len_ok", "cost", "duration")
			for _, g := range groups {
				fmt.Printf("%-30s %8d %7.3f %7.3f %10.2f %14.2f %10.4f %12s\n",
					g.Experiment, g.NumRuns, g.Top1, g.Top3,
					g.MeanLength, g.MeanLengthSuccessful, g.TotalCost, g.Duration.Round(time.Second))
			}
			return nil
		},
	}

	evalCmd.Flags().StringSliceVarP(&paths, "paths", "p", nil, "experiment directories to evaluate")
	evalCmd.Flags().Float64Var(&prices.QuestionerInput, "questioner-input-price", prices.QuestionerInput, "questioner input token price per 1M tokens")
	evalCmd.Flags().Float64Var(&prices.QuestionerOutput, "questioner-output-price", prices.QuestionerOutput, "questioner output token price per 1M tokens")
	evalCmd.Flags().Float64Var(&prices.AnswererInput, "answerer-input-price", prices.AnswererInput, "answerer input token price per 1M tokens")
	evalCmd.Flags().Float64Var(&prices.AnswererOutput, "answerer-output-price", prices.AnswererOutput, "answerer output token price per 1M tokens")

	return evalCmd
}
