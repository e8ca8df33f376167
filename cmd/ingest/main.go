package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kulturgut/ingest/cmd/ingest/commands"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Heritage metadata ingestion into Solr",
	Long: `ingest maps museum metadata exports (XML, JSON, Excel or zip archives)
onto index documents and publishes them to Solr collections.

Available commands:
  run      - Run one template now and wait for the result
  pulse    - Start the daemon (job worker + trigger-file watchers)
  jobs     - List jobs and show their processing logs
  mapping  - Check mapping files
  catalog  - Check templates, targets and mappings together
  config   - Show the effective configuration

Examples:
  ingest pulse start            # Start the daemon
  ingest run museum-objects     # Ingest one template in the foreground
  ingest jobs ls                # List recent jobs
  ingest jobs log <job-id>      # Show a job's processing log`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Log as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: system, user and project config merged)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.MappingCmd)
	rootCmd.AddCommand(commands.CatalogCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hints := errors.FlattenHints(err); hints != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hints)
		}
		os.Exit(1)
	}
}
