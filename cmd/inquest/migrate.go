package main

import (
	"github.com/spf13/cobra"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/store"
)

func migrateCMD() *cobra.Command {
	var (
		cfgPath   string
		migDir    string
		direction string
		steps     int
	)

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run archive database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}

	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return migrate
}
