package main

import (
	"fmt"
	"time"

	"github.com/dream-horizon-org/delivr/internal/config"
	"github.com/dream-horizon-org/delivr/internal/db"
	"github.com/dream-horizon-org/delivr/internal/release"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release lifecycle commands",
	}

	cmd.AddCommand(newReleaseCreateCmd())
	cmd.AddCommand(newReleaseListCmd())
	cmd.AddCommand(newReleaseShowCmd())
	cmd.AddCommand(newReleaseStartStage2Cmd())
	cmd.AddCommand(newReleaseRerunCmd())
	cmd.AddCommand(newReleaseArchiveCmd())
	return cmd
}

// connectFromConfig loads the config and opens the database connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

func newReleaseCreateCmd() *cobra.Command {
	var (
		configPath   string
		version      string
		relType      string
		baseBranch   string
		parentID     string
		kickoff      string
		target       string
		cronExpr     string
		manualUpload bool
		noAutoStage2 bool
		noAutoStage3 bool
		slotOffsets  []int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a release and enter it into orchestration",
		Long:  "Creates the release, its cron job, and a regression slot (builds + notes) per --slot-offset-hours value, offset from kickoff.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			opts := release.CreateOpts{
				Version:                version,
				Type:                   relType,
				BaseBranch:             baseBranch,
				ParentReleaseID:        parentID,
				CronExpr:               cronExpr,
				AutoTransitionToStage2: !noAutoStage2,
				AutoTransitionToStage3: !noAutoStage3,
				HasManualBuildUpload:   manualUpload,
			}
			if kickoff != "" {
				t, err := time.Parse(time.RFC3339, kickoff)
				if err != nil {
					return fmt.Errorf("parse --kickoff: %w", err)
				}
				opts.KickoffAt = t
			}
			if target != "" {
				t, err := time.Parse(time.RFC3339, target)
				if err != nil {
					return fmt.Errorf("parse --target: %w", err)
				}
				opts.TargetReleaseAt = t
			}
			for _, h := range slotOffsets {
				opts.Slots = append(opts.Slots, release.SlotOpts{
					Offset:           time.Duration(h) * time.Hour,
					RegressionBuilds: true,
					PostNotes:        true,
				})
			}

			rel, err := release.Create(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created release %s (%s %s)\n", rel.ID, rel.Type, rel.Version)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	cmd.Flags().StringVar(&version, "version", "", "release version (required)")
	cmd.Flags().StringVar(&relType, "type", "planned", "release type: planned, hotfix, major")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "branch the release branch forks from")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent release ID (required for hotfixes)")
	cmd.Flags().StringVar(&kickoff, "kickoff", "", "kickoff time, RFC3339 (default: now)")
	cmd.Flags().StringVar(&target, "target", "", "target release date, RFC3339")
	cmd.Flags().StringVar(&cronExpr, "cron", "* * * * *", "tick cadence as a 5-field cron expression")
	cmd.Flags().BoolVar(&manualUpload, "manual-build-upload", false, "builds are uploaded manually; stage 2 waits for an explicit trigger")
	cmd.Flags().BoolVar(&noAutoStage2, "no-auto-stage2", false, "do not start regression automatically after kickoff")
	cmd.Flags().BoolVar(&noAutoStage3, "no-auto-stage3", false, "do not start pre-release automatically after regression")
	cmd.Flags().IntSliceVar(&slotOffsets, "slot-offset-hours", nil, "regression slot offsets from kickoff, in hours (repeatable)")
	cmd.MarkFlagRequired("version")
	return cmd
}

func newReleaseListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		relType    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			releases, err := release.List(gormDB, release.ListFilters{Status: status, Type: relType})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range releases {
				fmt.Fprintf(out, "%s  %-8s %-12s %s\n", r.ID, r.Type, r.Status, r.Version)
			}
			fmt.Fprintf(out, "%d release(s)\n", len(releases))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&relType, "type", "", "filter by type")
	return cmd
}

func newReleaseShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <release-id>",
		Short: "Show a release's stages, tasks, and regression schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			d, err := release.GetDetail(gormDB, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Release %s (%s %s): %s\n", d.Release.ID, d.Release.Type, d.Release.Version, d.Release.Status)
			fmt.Fprintf(out, "  Stage 1 (kickoff):     %s\n", d.CronJob.Stage1Status)
			fmt.Fprintf(out, "  Stage 2 (regression):  %s\n", d.CronJob.Stage2Status)
			fmt.Fprintf(out, "  Stage 3 (pre-release): %s\n", d.CronJob.Stage3Status)
			fmt.Fprintf(out, "  Cron: %s (%s)\n", d.CronJob.CronExpr, d.CronJob.CronStatus)

			if len(d.Slots) > 0 {
				fmt.Fprintf(out, "Slots:\n")
				for _, s := range d.Slots {
					state := "pending"
					if s.Processed {
						state = "processed"
					}
					fmt.Fprintf(out, "  #%d at %s: %s\n", s.Sequence, s.ScheduledAt.Format(time.RFC3339), state)
				}
			}
			if len(d.Tasks) > 0 {
				fmt.Fprintf(out, "Tasks:\n")
				for _, t := range d.Tasks {
					platform := ""
					if t.Platform != "" {
						platform = " [" + t.Platform + "]"
					}
					fmt.Fprintf(out, "  %s  stage %d  %-32s%s %s\n", t.ID, t.Stage, t.Type, platform, t.Status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	return cmd
}

func newReleaseStartStage2Cmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start-stage2 <release-id>",
		Short: "Manually start regression for a manual-build-upload release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := release.StartStage2(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stage 2 started for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	return cmd
}

func newReleaseRerunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rerun <release-id>",
		Short: "Request a fresh regression cycle (e.g. after extra commits)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := release.RequestRerun(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Regression re-run requested for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	return cmd
}

func newReleaseArchiveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "archive <release-id>",
		Short: "Archive a release and stop its orchestration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := release.Archive(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "delivr.yaml", "path to Delivr config file")
	return cmd
}
