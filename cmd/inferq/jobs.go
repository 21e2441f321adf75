package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"inferq/internal/jobs"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage stored jobs",
	}
	cmd.AddCommand(newJobsListCmd(a), newJobsGetCmd(a), newJobsCancelCmd(a), newJobsPurgeCmd(a))
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st jobs.Status
			if status != "" {
				var err error
				if st, err = jobs.ParseStatus(status); err != nil {
					return err
				}
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			list, err := store.ListByStatus(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			for _, j := range list {
				printJobLine(cmd.OutOrStdout(), j)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued|processing|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newJobsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			j, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

// The cancel command edits the store directly. The write only applies
// while the job is still queued, so a running server that claims it first
// wins. A retry timer held by that server finds the job failed and drops it.
func newJobsCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Fail a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			j, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if j.Status != jobs.StatusQueued {
				return fmt.Errorf("job %s is %s, only queued jobs can be cancelled", j.ID, j.Status)
			}
			j, err = store.UpdateStatus(cmd.Context(), j.ID, jobs.StatusFailed, jobs.Update{
				Expect:      jobs.StatusQueued,
				Error:       jobs.Ptr("cancelled"),
				CompletedAt: jobs.Ptr(time.Now()),
			})
			if err != nil {
				return err
			}
			printJobLine(cmd.OutOrStdout(), j)
			return nil
		},
	}
}

func newJobsPurgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed and failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.PurgeTerminal(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			a.log.Info().Str("event", "jobs_purged").Int("deleted", n).Dur("older_than", olderThan).Msg("terminal jobs purged")
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only delete jobs last updated before now minus this duration")
	return cmd
}

func printJobLine(w io.Writer, j *jobs.Job) {
	fmt.Fprintf(w, "%s  %-10s  retries=%d  artifact=%s  input=%q  err=%q\n",
		j.ID, j.Status, j.RetryCount, j.Artifact, j.InputRef, j.Error)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
