package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:   "inquest",
		Short: "Bayesian question-asking benchmarks",
	}

	root.AddCommand(runCMD(), evalCMD(), serveCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
