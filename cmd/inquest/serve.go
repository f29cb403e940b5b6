package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/server"
	"github.com/inquest-ai/inquest/internal/store"
)

func serveCMD() *cobra.Command {
	var (
		cfgPath string
		addr    string
		dir     string
	)

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Serve archived runs over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			ctx := context.Background()
			var source server.RunSource
			switch {
			case dir != "":
				source = server.NewDirSource(dir)
			case cfg.Storage.Postgres.Enabled():
				st, err := store.Open(ctx, cfg.Storage.Postgres)
				if err != nil {
					return fmt.Errorf("opening run archive: %w", err)
				}
				defer st.Close()
				source = st
			default:
				source = server.NewDirSource(cfg.General.OutputDir)
			}

			srv, err := server.New(ctx, cfg, source)
			if err != nil {
				return err
			}
			return srv.Run(addr)
		},
	}

	serve.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	serve.Flags().StringVar(&dir, "dir", "", "serve runs from a local directory instead of the archive")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return serve
}
