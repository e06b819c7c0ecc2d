package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/ops"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Registers sources and drives their scheduling",
	}
	cmd.AddCommand(
		newSourcesAddCmd(),
		newSourceCountCmd("pause", "Pauses every pending job of a source", (*ops.Service).PauseSource),
		newSourceCountCmd("resume", "Returns every paused job of a source to pending", (*ops.Service).ResumeSource),
		newSourceCountCmd("cancel", "Cancels every pending job of a source", (*ops.Service).CancelSource),
		newSourcesScheduleCmd(),
		newSourcesScheduleAllCmd(),
		newSourcesTiersCmd(),
	)
	return cmd
}

func newSourcesAddCmd() *cobra.Command {
	var (
		src      crawler.Source
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Creates or updates a source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			src.Active = !inactive
			saved, err := a.Ops.UpsertSource(cmd.Context(), src)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}
	cmd.Flags().StringVar(&src.ID, "id", "", "source id")
	cmd.Flags().StringVar(&src.Name, "name", "", "display name")
	cmd.Flags().StringVar(&src.URL, "url", "", "source root, sitemap or feed URL")
	cmd.Flags().StringVar(&src.Domain, "domain", "", "domain (defaults to the URL host)")
	cmd.Flags().Float64Var(&src.CredibilityScore, "credibility", 0.5, "credibility score in [0, 1]")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register the source as inactive")
	_ = cmd.MarkFlagRequired("id")  //nolint:errcheck // flag exists
	_ = cmd.MarkFlagRequired("url") //nolint:errcheck // flag exists
	return cmd
}

func newSourceCountCmd(
	use, short string,
	op func(*ops.Service, context.Context, string) (ops.CountSummary, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			summary, err := op(a.Ops, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}

func frequencyFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "frequency", string(crawler.FrequencyDaily),
		"immediate, hourly, daily, weekly or monthly")
}

func newSourcesScheduleCmd() *cobra.Command {
	var freq string
	cmd := &cobra.Command{
		Use:   "schedule <source-id>",
		Short: "Creates a job for one source at a frequency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			f, err := crawler.ParseFrequency(freq)
			if err != nil {
				return err
			}
			summary, err := a.Ops.ScheduleSource(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	frequencyFlag(cmd, &freq)
	return cmd
}

func newSourcesScheduleAllCmd() *cobra.Command {
	var freq string
	cmd := &cobra.Command{
		Use:   "schedule-all",
		Short: "Creates a job for every active source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			f, err := crawler.ParseFrequency(freq)
			if err != nil {
				return err
			}
			summary, err := a.Ops.ScheduleAll(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	frequencyFlag(cmd, &freq)
	return cmd
}

func newSourcesTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Schedules active sources by credibility tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			summary, err := a.Ops.AssignTiers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints job, queue and content statistics with health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			snap, err := a.Ops.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
}
