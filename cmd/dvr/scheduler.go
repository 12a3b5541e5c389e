package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dream-horizon-org/delivr/internal/api"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/scheduler"
	"github.com/spf13/cobra"
)

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Scheduler daemon commands",
	}

	cmd.AddCommand(newSchedulerRunCmd())
	return cmd
}

func newSchedulerRunCmd() *cobra.Command {
	var (
		configPath string
		withAPI    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: "Ticks over all running cron jobs at the configured interval until interrupted. " +
			"Task side effects are dispatched through the dry-run executor; concrete adapters " +
			"are wired by the deployment. With --api the HTTP API is served alongside.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd, configPath, withAPI)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	cmd.Flags().BoolVar(&withAPI, "api", false, "serve the HTTP API alongside the scheduler")
	return cmd
}

func runScheduler(cmd *cobra.Command, configPath string, withAPI bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	exec := executor.WithTimeout(executor.NewStub(), cfg.Scheduler.TaskTimeout())
	sch, err := scheduler.New(gormDB, cfg, exec, out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sch.Start()
	defer sch.Stop()

	if withAPI {
		return api.Start(ctx, api.StartOpts{
			DB:        gormDB,
			Scheduler: sch,
			Port:      cfg.API.Port,
			Out:       out,
		})
	}

	<-ctx.Done()
	fmt.Fprintf(out, "Scheduler stopping...\n")
	return nil
}
