package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/pulse/async"
)

// JobsCmd inspects the job ledger
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect ingest jobs and their logs",
	Long: `Inspect the job ledger.

Examples:
  ingest jobs ls
  ingest jobs ls --status failed --limit 5
  ingest jobs show 01JN4Z...
  ingest jobs log 01JN4Z... --level ERROR
  ingest jobs stats
  ingest jobs cleanup --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsLogCmd = &cobra.Command{
	Use:   "log <job-id>",
	Short: "Print a job's processing log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLog,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
	RunE:  runJobsStats,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs and their logs",
	RunE:  runJobsCleanup,
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Only jobs in this status (e.g. failed, ingested)")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs")
	jobsLogCmd.Flags().String("level", "", "Only entries of this level (WARNING, ERROR, VALIDATION, SEVERE)")
	jobsCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Delete jobs completed before this age")

	JobsCmd.AddCommand(jobsLsCmd, jobsShowCmd, jobsLogCmd, jobsStatsCmd, jobsCleanupCmd)
}

// openQueue opens the ledger without a worker
func openQueue(cmd *cobra.Command) (*async.Queue, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return async.NewQueue(database), func() { _ = database.Close() }, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	queue, closeDB, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	statusFlag, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	var status *async.JobStatus
	if statusFlag != "" {
		if !async.IsValidStatus(strings.ToLower(statusFlag)) {
			return errors.NewInvalidConfigError("unknown status %q", statusFlag)
		}
		s := async.JobStatus(strings.ToLower(statusFlag))
		status = &s
	}

	jobs, err := queue.ListJobs(status, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "STATUS", "TEMPLATE", "PROCESSED", "SKIPPED", "ERRORS", "CREATED"}}
	for _, j := range jobs {
		data = append(data, []string{
			j.ID, string(j.Status), truncate(j.TemplateRef, 24),
			fmt.Sprint(j.Processed), fmt.Sprint(j.Skipped), fmt.Sprint(j.Errors),
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	queue, closeDB, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := queue.GetJob(args[0])
	if err != nil {
		return err
	}
	printJob(job)

	counts, err := queue.Logs().CountByLevel(job.ID)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		var parts []string
		for _, lvl := range []types.LogLevel{types.LevelSevere, types.LevelError, types.LevelValidation, types.LevelWarning} {
			if n := counts[lvl]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", lvl, n))
			}
		}
		pterm.Info.Printfln("Log entries: %s", strings.Join(parts, " "))
	}
	return nil
}

func runJobsLog(cmd *cobra.Command, args []string) error {
	queue, closeDB, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	level, _ := cmd.Flags().GetString("level")
	if _, err := queue.GetJob(args[0]); err != nil {
		return err
	}
	entries, err := queue.Logs().ListForJob(args[0], types.LogLevel(strings.ToUpper(level)))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		pterm.Info.Println("No log entries")
		return nil
	}

	data := pterm.TableData{{"TIME", "LEVEL", "CONTEXT", "DOCUMENT", "DESCRIPTION"}}
	for _, e := range entries {
		doc := e.DocumentID
		if e.CollectionID != "" {
			doc += "@" + e.CollectionID
		}
		data = append(data, []string{
			e.Time.Local().Format("15:04:05"), string(e.Level), string(e.Context), truncate(doc, 40), e.Description,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	queue, closeDB, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := queue.GetStats()
	if err != nil {
		return err
	}
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"STATUS", "JOBS"},
		{"scheduled", fmt.Sprint(stats.Scheduled)},
		{"running", fmt.Sprint(stats.Running)},
		{"ingested", fmt.Sprint(stats.Ingested)},
		{"failed", fmt.Sprint(stats.Failed)},
		{"aborted", fmt.Sprint(stats.Aborted)},
		{"interrupted", fmt.Sprint(stats.Interrupted)},
		{"total", fmt.Sprint(stats.Total)},
	}).Render()
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	queue, closeDB, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	olderThan, _ := cmd.Flags().GetDuration("older-than")
	n, err := queue.Cleanup(olderThan)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted %d jobs", n)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
