package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/ingest"
	"github.com/kulturgut/ingest/pulse/async"
)

// RunCmd ingests one template in the foreground
var RunCmd = &cobra.Command{
	Use:   "run <template>",
	Short: "Run one template now and wait for the result",
	Long: `Submit an ingest job for a template, wait for it and print the outcome.
The job is recorded in the job ledger like any other.

Without a running pulse daemon the job executes in this process and Ctrl+C
stops it (recorded as INTERRUPTED). With a daemon running the daemon
executes it and Ctrl+C only stops waiting.

Example:
  ingest run museum-objects
  ingest run museum-objects --actor alice`,
	Args: cobra.ExactArgs(1),
	RunE: runTemplate,
}

func init() {
	RunCmd.Flags().String("actor", "", "Recorded as the job's creator (default: $USER)")
}

func runTemplate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		actor = os.Getenv("USER")
	}

	pterm.DefaultHeader.WithFullWidth().Printf("Ingest - %s", args[0])
	pterm.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	// Only the process holding the ledger lease executes jobs; with a
	// daemon running this process just submits and waits.
	svc.pool.Start()
	defer svc.pool.Stop()
	local := svc.pool.HoldsLease()
	if local {
		pterm.Info.Println("Executing in this process")
	} else {
		pterm.Info.Println("A pulse daemon holds the worker lease; the job runs there")
	}

	job, err := async.NewJob(ingest.HandlerName, args[0], async.SourceWeb, actor)
	if err != nil {
		return err
	}
	job, err = svc.queue.Enqueue(ctx, job)
	if err != nil {
		pterm.Error.Printfln("Submitting %s failed: %v", args[0], err)
		return errors.Wrapf(err, "submit %s", args[0])
	}
	pterm.Info.Printfln("Job %s submitted (%s)", job.ID, job.Status)

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for job " + job.ID)
	progressCtx, stopProgress := context.WithCancel(ctx)
	go showProgress(progressCtx, svc.queue, job.ID, spinner)

	done, err := svc.queue.Await(ctx, job.ID)
	stopProgress()
	_ = spinner.Stop()
	if err != nil {
		if local {
			// Stop marks the running job INTERRUPTED
			svc.pool.Stop()
			pterm.Warning.Printfln("Job %s interrupted", job.ID)
		} else {
			pterm.Warning.Printfln("Stopped waiting; job %s continues in the daemon", job.ID)
		}
		return errors.Wrapf(err, "job %s", job.ID)
	}

	pterm.Println()
	if done.Status == async.JobStatusIngested {
		pterm.Success.Printfln("Job %s ingested", done.ID)
	} else {
		pterm.Error.Printfln("Job %s ended %s", done.ID, done.Status)
	}
	printJob(done)
	if done.Status != async.JobStatusIngested {
		return errors.Newf("job %s ended %s", done.ID, done.Status)
	}
	return nil
}

// showProgress mirrors the ledger counters into the spinner until ctx ends.
// The ledger is read rather than in-process events so a job executed by the
// daemon is followed the same way.
func showProgress(ctx context.Context, queue *async.Queue, id string, spinner *pterm.SpinnerPrinter) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := queue.GetJob(id)
		if err != nil {
			continue
		}
		spinner.UpdateText(fmt.Sprintf("Job %s %s: %d processed, %d skipped, %d errors",
			job.ID, job.Status, job.Processed, job.Skipped, job.Errors))
	}
}

func printJob(job *async.Job) {
	data := pterm.TableData{
		{"Job", job.ID},
		{"Template", job.TemplateRef},
		{"Status", string(job.Status)},
		{"Source", fmt.Sprintf("%s (%s)", job.Source, job.CreatedBy)},
		{"Processed", fmt.Sprintf("%d", job.Processed)},
		{"Skipped", fmt.Sprintf("%d", job.Skipped)},
		{"Errors", fmt.Sprintf("%d", job.Errors)},
		{"Created", job.CreatedAt.Local().Format("2006-01-02 15:04:05")},
	}
	if job.StartedAt != nil {
		data = append(data, []string{"Started", job.StartedAt.Local().Format("2006-01-02 15:04:05")})
	}
	if job.CompletedAt != nil {
		data = append(data, []string{"Completed", fmt.Sprintf("%s (%s)",
			job.CompletedAt.Local().Format("2006-01-02 15:04:05"), job.Duration().Round(time.Millisecond))})
	}
	if job.Error != "" {
		data = append(data, []string{"Error", job.Error})
	}
	_ = pterm.DefaultTable.WithData(data).Render()
}
