package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dream-horizon-org/delivr/internal/api"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/scheduler"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API in webhook-driven mode",
		Long: "Serves the API without the interval loop. Ticks are triggered externally " +
			"via POST /api/tick (e.g. by a platform cron); the decision logic is identical " +
			"to the interval scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			exec := executor.WithTimeout(executor.NewStub(), cfg.Scheduler.TaskTimeout())
			sch, err := scheduler.New(gormDB, cfg, exec, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return api.Start(ctx, api.StartOpts{
				DB:        gormDB,
				Scheduler: sch,
				Port:      cfg.API.Port,
				Out:       cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	return cmd
}
