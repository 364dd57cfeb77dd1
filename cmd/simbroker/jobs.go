package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"simbroker/internal/job"
	"simbroker/internal/store"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job store",
	Long: `Inspect job records directly in the store.

The badger store admits a single process: stop the server first, or use
the HTTP API while it runs.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List every job with its status, creation time and working directory.

Examples:
  simbroker jobs list --store /var/lib/simbroker
  simbroker jobs list --store-driver sqlite --store jobs.sqlite --json`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
}

// jobEntry is one job as printed by the jobs commands.
type jobEntry struct {
	ID int64 `json:"id"`
	*job.Job
}

func openStoreForCLI(cmd *cobra.Command) (*store.Store, error) {
	cfg := loadConfig(cmd)
	setupLogging(os.Stderr, max(cfg.LogLevel, slog.LevelWarn))
	st, err := store.Open(cmd.Context(), storeConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	st, err := openStoreForCLI(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := loadJobs(cmd.Context(), st)
	if err != nil {
		return err
	}
	if len(entries) == 0 && !jsonOutput {
		_, _ = fmt.Fprintln(os.Stderr, "No jobs found")
		return nil
	}
	if jsonOutput {
		return printJobsJSON(cmd.OutOrStdout(), entries)
	}
	return printJobsTable(cmd.OutOrStdout(), entries)
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	st, err := openStoreForCLI(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	var entry jobEntry
	err = st.View(cmd.Context(), func(tx *store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		entry = jobEntry{ID: id, Job: j}
		return nil
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

func loadJobs(ctx context.Context, st *store.Store) ([]jobEntry, error) {
	entries := []jobEntry{}
	err := st.View(ctx, func(tx *store.Tx) error {
		return tx.ForEachJob(func(id int64, j *job.Job) error {
			entries = append(entries, jobEntry{ID: id, Job: j})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return entries, nil
}

func printJobsJSON(w io.Writer, entries []jobEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func printJobsTable(w io.Writer, entries []jobEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tWORKDIR")
	for _, e := range entries {
		workdir := e.Workdir
		if workdir == "" {
			workdir = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.Status, e.CreatedAt.Format(time.RFC3339), workdir)
	}
	return tw.Flush()
}
