package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/ops"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Creates, inspects, dispatches and maintains crawl jobs",
	}
	cmd.AddCommand(
		newJobsCreateCmd(),
		newJobsBulkCmd(),
		newJobsGetCmd(),
		newJobsDispatchCmd(),
		newJobsProcessCmd(),
		newJobsRetryStaleCmd(),
		newJobsPurgeCmd(),
	)
	return cmd
}

func newJobsCreateCmd() *cobra.Command {
	var req ops.CreateJobRequest
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Creates one pending job for a source URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if delay > 0 {
				req.ScheduledAt = time.Now().Add(delay)
			}
			summary, err := a.Ops.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&req.SourceID, "source", "", "source id")
	cmd.Flags().StringVar(&req.URL, "url", "", "URL to crawl")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "job priority (higher runs first)")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "retry ceiling (0 uses jobs.max_retries)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "schedule the job this far in the future")
	_ = cmd.MarkFlagRequired("source") //nolint:errcheck // flag exists
	_ = cmd.MarkFlagRequired("url")    //nolint:errcheck // flag exists
	return cmd
}

func newJobsBulkCmd() *cobra.Command {
	var (
		req  ops.BulkCreateRequest
		file string
	)
	cmd := &cobra.Command{
		Use:   "bulk [url...]",
		Short: "Creates jobs for many URLs of one source",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			req.URLs = append([]string(nil), args...)
			if file != "" {
				urls, err := readURLs(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.URLs = append(req.URLs, urls...)
			}
			if len(req.URLs) == 0 {
				return errors.New("no URLs given")
			}
			summary, err := a.Ops.BulkCreate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&req.SourceID, "source", "", "source id")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "job priority")
	cmd.Flags().StringVar(&file, "file", "", "file with one URL per line (- for stdin)")
	_ = cmd.MarkFlagRequired("source") //nolint:errcheck // flag exists
	return cmd
}

// readURLs reads one URL per line, skipping blanks and # comments.
func readURLs(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func newJobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Prints one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			job, err := a.Ops.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func newJobsDispatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Enqueues eligible pending jobs onto the task queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.Config.Scheduler.DispatchBatchLimit
			}
			summary, err := a.Ops.Dispatch(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max jobs to dispatch (0 uses scheduler.dispatch_batch_limit)")
	return cmd
}

func newJobsProcessCmd() *cobra.Command {
	var (
		limit      int
		continuous bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Executes pending jobs synchronously in this process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if limit <= 0 {
				limit = a.Config.Workers.ProcessBatch
			}
			for {
				summary, err := a.Ops.Process(ctx, limit)
				if err != nil {
					return err
				}
				if !continuous {
					return printJSON(cmd, summary)
				}
				a.Logger.Info("processed batch",
					zap.Int("processed", summary.Processed),
					zap.Int("completed", summary.Completed),
					zap.Int("retrying", summary.Retrying),
					zap.Int("failed", summary.Failed),
				)
				if summary.Processed > 0 {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max jobs per batch (0 uses workers.process_batch)")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep processing until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "idle wait between empty batches")
	return cmd
}

func newJobsRetryStaleCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "retry-stale",
		Short: "Re-queues recently failed jobs that still have retries left",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			summary, err := a.Ops.RetryStale(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "failure window (0 uses jobs.stale_retry_window)")
	return cmd
}

func newJobsPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Deletes completed and failed jobs past the retention horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			summary, err := a.Ops.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention horizon (0 uses jobs.retention_horizon)")
	return cmd
}
