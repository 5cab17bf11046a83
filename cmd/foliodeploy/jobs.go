package main

import (
	"context"
	"fmt"
	"time"

	"foliodeploy/internal/content"
	"foliodeploy/internal/deployment"
	"foliodeploy/internal/store"
	"foliodeploy/pkg/fileutil"

	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect deployment jobs",
	Long: `Inspect deployment jobs recorded in the state database.

Examples:
  foliodeploy jobs list --limit 10
  foliodeploy jobs show 0b6c7a52-4f0e-4c1d-9a33-0e6e4f3b2d11`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	jobsListCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

// openStore opens the configured database without creating a new one.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !fileutil.FileExists(cfg.DatabasePath) {
		return nil, fmt.Errorf("state database %s does not exist", cfg.DatabasePath)
	}
	return store.Open(cfg.DatabasePath)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	if jobsLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(context.Background(), jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs recorded.")
		return nil
	}

	for _, job := range jobs {
		line := fmt.Sprintf("%s  %-20s %-40s %s", job.CreatedAt.Local().Format(time.DateTime), job.State, job.Repository(), job.ID)
		if job.LastError != nil {
			line += "  " + string(job.LastError.Code)
		}
		fmt.Println(line)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.GetJob(context.Background(), args[0])
	if err != nil {
		return err
	}
	printJob(job)
	return nil
}

func printJob(job *deployment.Job) {
	fmt.Printf("Job %s\n", job.ID)
	fmt.Printf("  Repository:    %s (installation %d)\n", job.Repository(), job.InstallationID)
	fmt.Printf("  State:         %s\n", job.State)
	fmt.Printf("  Attempts:      %d\n", job.Attempts)
	fmt.Printf("  Bundle:        %s\n", content.ShortFingerprint(job.Fingerprint))
	fmt.Printf("  Created:       %s\n", job.CreatedAt.Local().Format(time.DateTime))
	if job.FinishedAt != nil {
		fmt.Printf("  Finished:      %s (%s)\n", job.FinishedAt.Local().Format(time.DateTime), job.FinishedAt.Sub(job.CreatedAt).Round(time.Millisecond))
	}
	if job.CommitSHA != "" {
		fmt.Printf("  Commit:        %s\n", job.CommitSHA)
	}
	if job.PublishedURL != "" {
		fmt.Printf("  URL:           %s\n", job.PublishedURL)
	}
	if job.SkipReason != "" {
		fmt.Printf("  Skipped:       %s\n", job.SkipReason)
	}
	if e := job.LastError; e != nil {
		fmt.Printf("  Error:         %s (retryable: %t)\n", e.Code, e.Retryable)
		fmt.Printf("                 %s\n", e.Message)
		if e.Hint != "" {
			fmt.Printf("  Hint:          %s\n", e.Hint)
		}
	}
}
